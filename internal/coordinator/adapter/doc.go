// Package adapter contains implementations of interfaces defined in app.
// Redis, DynamoDB, the auth backend, and the chat model live here.
package adapter

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("coordinator/adapter")
