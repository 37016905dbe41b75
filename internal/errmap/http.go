// Package errmap maps domain errors onto HTTP statuses and WebSocket close
// codes, and classifies backend HTTP statuses back into domain errors.
package errmap

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/aelexs/captionsync/internal/domain"
)

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e HTTPError) Error() string {
	return e.Message
}

// httpMapping defines a domain error to HTTP status/code mapping.
type httpMapping struct {
	err        error
	statusCode int
	code       string
}

// httpMappings maps domain errors to HTTP status codes and error codes.
// Order matters: first match wins (via errors.Is).
var httpMappings = []httpMapping{
	// Resource errors
	{domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{domain.ErrAlreadyExists, http.StatusConflict, "ALREADY_EXISTS"},

	// Auth errors
	{domain.ErrUnauthenticated, http.StatusUnauthorized, "UNAUTHENTICATED"},
	{domain.ErrTokenExpired, http.StatusUnauthorized, "TOKEN_EXPIRED"},
	{domain.ErrPermissionDenied, http.StatusForbidden, "PERMISSION_DENIED"},

	// Protocol and validation errors
	{domain.ErrMissingType, http.StatusBadRequest, "MISSING_TYPE"},
	{domain.ErrUnhandledType, http.StatusBadRequest, "UNHANDLED_TYPE"},
	{domain.ErrInvalidInput, http.StatusBadRequest, "INVALID_ARGUMENT"},
	{domain.ErrEmptyID, http.StatusBadRequest, "INVALID_ARGUMENT"},
	{domain.ErrInvalidID, http.StatusBadRequest, "INVALID_ARGUMENT"},

	// Delivery
	{domain.ErrNoReceiver, http.StatusNotFound, "NO_RECEIVER"},
	{domain.ErrNotReady, http.StatusServiceUnavailable, "NOT_READY"},
	{domain.ErrRebroadcast, http.StatusConflict, "REBROADCAST"},

	// Availability
	{domain.ErrTimeout, http.StatusGatewayTimeout, "TIMEOUT"},
	{domain.ErrUnavailable, http.StatusServiceUnavailable, "UNAVAILABLE"},
	{domain.ErrOffline, http.StatusServiceUnavailable, "UNAVAILABLE"},
	{domain.ErrConnectionRefused, http.StatusServiceUnavailable, "UNAVAILABLE"},
}

// ToHTTPError converts a domain error to an HTTP error.
func ToHTTPError(err error) HTTPError {
	if err == nil {
		return HTTPError{StatusCode: http.StatusOK}
	}
	for _, m := range httpMappings {
		if errors.Is(err, m.err) {
			return HTTPError{StatusCode: m.statusCode, Code: m.code, Message: err.Error()}
		}
	}
	// Never expose internal error details to clients
	return HTTPError{StatusCode: http.StatusInternalServerError, Code: "INTERNAL", Message: "internal error"}
}

// ToHTTPStatusCode extracts just the HTTP status code for a domain error.
func ToHTTPStatusCode(err error) int {
	return ToHTTPError(err).StatusCode
}

// FromHTTPStatus classifies a non-2xx response from a backend so the
// connection health monitor can tell network trouble from auth trouble.
// It returns nil for 2xx.
func FromHTTPStatus(status int, detail string) error {
	var base error
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		base = domain.ErrUnauthenticated
	case status == http.StatusForbidden:
		base = domain.ErrPermissionDenied
	case status == http.StatusNotFound:
		base = domain.ErrNotFound
	case status == http.StatusConflict:
		base = domain.ErrAlreadyExists
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		base = domain.ErrTimeout
	case status == http.StatusTooManyRequests, status == http.StatusBadGateway, status == http.StatusServiceUnavailable:
		base = domain.ErrUnavailable
	case status >= 400 && status < 500:
		base = domain.ErrInvalidInput
	default:
		return fmt.Errorf("backend returned %d: %s", status, detail)
	}
	if detail == "" {
		return fmt.Errorf("%w (status %d)", base, status)
	}
	return fmt.Errorf("%w (status %d): %s", base, status, detail)
}
