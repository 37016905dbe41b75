// Package port contains entry points into the coordinator.
// The surface WebSocket hub and the operator HTTP API live here.
// Ports translate external protocols into app layer calls.
package port
