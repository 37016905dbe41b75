package domain

import "time"

// Compiled defaults for coordinator timing. Each one is overridable through
// config.
const (
	// Delivery Queue
	QueueMessageTTL    = 5 * time.Minute // Queued messages older than this are dropped
	QueueMaxAttempts   = 10              // Entries at or above this attempt count are dropped
	QueueDrainInterval = 2 * time.Second // Period of the queue drain ticker

	// Connection Health Monitor
	HealthErrorThreshold   = 5                // Network errors before recovery is considered
	HealthRecoveryCooldown = 2 * time.Minute  // Minimum gap between recovery attempts
	HealthQuietReset       = 10 * time.Minute // Error count resets after this long without errors
	HealthCheckInterval    = 1 * time.Minute  // Period of the quiet-reset check
	ReachabilityTimeout    = 5 * time.Second  // Max time for the internet probe

	// Auth-Refresh Scheduler
	AuthRefreshInterval = 20 * time.Minute // Period of forced token refresh
	AuthStartupDelay    = 5 * time.Second  // First refresh runs this long after startup
	AuthStuckAfter      = 30 * time.Second // An in-flight refresh older than this is cleared

	// Timeout contracts
	BackendCallTimeout = 15 * time.Second // Max time for any document store, auth, or chat call
	HandlerTimeout     = 30 * time.Second // Max time a router handler may hold a response open
	DeliveryTimeout    = 10 * time.Second // Max time to wait for a surface to acknowledge a message
	RedisTimeout       = 2 * time.Second  // Max time for cache operations
	DynamoDBTimeout    = 5 * time.Second  // HTTP client timeout for DynamoDB

	// WebSocket transport
	WSWriteWait      = 10 * time.Second
	WSPongWait       = 60 * time.Second
	WSPingPeriod     = (WSPongWait * 9) / 10
	WSMaxMessageSize = 256 * 1024

	// Graceful shutdown
	GracefulShutdownTimeout = 30 * time.Second
	ShutdownDrainDelay      = 1 * time.Second
	ShutdownHTTPTimeout     = 10 * time.Second
	ShutdownOTELTimeout     = 5 * time.Second

	// Broadcast fan-out
	BroadcastConcurrency = 16 // Max concurrent per-tab sends in one broadcast

	// Message IDs
	MessageIDLength = 8
)

// Collection names in the document store.
const (
	CollectionWords = "words"
)
