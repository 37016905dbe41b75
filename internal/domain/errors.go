package domain

import (
	"errors"
	"strings"
)

// Sentinel errors for domain error conditions.
// Use errors.Is() for matching - never compare error strings.
var (
	// ID validation errors
	ErrEmptyID   = errors.New("ID cannot be empty")
	ErrInvalidID = errors.New("invalid ID format")

	// Resource errors
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")

	// Protocol errors: reported to the sender, never retried.
	ErrMissingType   = errors.New("message missing type field")
	ErrUnhandledType = errors.New("no handler for message type")
	ErrInvalidInput  = errors.New("invalid input")

	// Delivery errors
	ErrNoReceiver       = errors.New("could not establish connection: receiving end does not exist")
	ErrNotReady         = errors.New("target not ready")
	ErrConnectionClosed = errors.New("connection closed")
	ErrRebroadcast      = errors.New("message already originated from a broadcast")

	// Network errors (Connection Health Monitor input)
	ErrTimeout           = errors.New("operation timed out")
	ErrUnavailable       = errors.New("service temporarily unavailable")
	ErrOffline           = errors.New("network offline")
	ErrConnectionRefused = errors.New("connection refused")

	// Auth errors (Auth-Refresh Scheduler input)
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrPermissionDenied = errors.New("permission denied")
	ErrTokenExpired     = errors.New("session token has expired")

	// Handler errors
	ErrHandlerPanic = errors.New("handler panicked")

	// Configuration errors
	ErrConfigRequired = errors.New("required configuration key missing")
)

// networkErrors are the sentinels that count toward the connection error score.
var networkErrors = []error{
	ErrTimeout,
	ErrUnavailable,
	ErrOffline,
	ErrConnectionRefused,
}

// networkPatterns match errors raised by collaborators that do not wrap our sentinels.
var networkPatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"unavailable",
	"offline",
	"connection refused",
	"connection reset",
	"network",
	"no such host",
}

var authErrors = []error{
	ErrUnauthenticated,
	ErrPermissionDenied,
	ErrTokenExpired,
}

var authPatterns = []string{
	"permission-denied",
	"permission denied",
	"unauthenticated",
	"unauthorized",
}

// IsNetworkError reports whether err is a backend connectivity failure.
// Auth failures are never network errors, even when the message mentions the network.
func IsNetworkError(err error) bool {
	if err == nil || IsAuthError(err) {
		return false
	}
	for _, target := range networkErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return matchesAny(err, networkPatterns)
}

// IsAuthError reports whether err means the session token was rejected.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range authErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return matchesAny(err, authPatterns)
}

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	return IsNetworkError(err) ||
		errors.Is(err, ErrNotReady) ||
		errors.Is(err, ErrConnectionClosed)
}

// IsProtocolError returns true for malformed or unroutable messages.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrMissingType) ||
		errors.Is(err, ErrUnhandledType) ||
		errors.Is(err, ErrInvalidInput)
}

// IsNotFound returns true if the error represents a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func matchesAny(err error, patterns []string) bool {
	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
