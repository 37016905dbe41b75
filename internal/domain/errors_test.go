package domain_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aelexs/captionsync/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestIsNetworkError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"ErrTimeout", domain.ErrTimeout, true},
		{"ErrUnavailable", domain.ErrUnavailable, true},
		{"ErrOffline", domain.ErrOffline, true},
		{"ErrConnectionRefused", domain.ErrConnectionRefused, true},
		{"wrapped ErrTimeout", fmt.Errorf("docs query: %w", domain.ErrTimeout), true},
		{"pattern: dial refused", errors.New("dial tcp 10.0.0.1:443: connect: connection refused"), true},
		{"pattern: UNAVAILABLE", errors.New("rpc error: code = Unavailable"), true},
		{"auth error is not network", domain.ErrUnauthenticated, false},
		{"auth pattern wins over network pattern", errors.New("network call unauthorized"), false},
		{"ErrNotFound", domain.ErrNotFound, false},
		{"random error", errors.New("something else"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, domain.IsNetworkError(tt.err))
		})
	}
}

func TestIsAuthError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"ErrUnauthenticated", domain.ErrUnauthenticated, true},
		{"ErrPermissionDenied", domain.ErrPermissionDenied, true},
		{"ErrTokenExpired", domain.ErrTokenExpired, true},
		{"wrapped", fmt.Errorf("refresh: %w", domain.ErrPermissionDenied), true},
		{"pattern: permission-denied", errors.New("firestore: permission-denied"), true},
		{"pattern: HTTP 401", errors.New("status 401 Unauthorized"), true},
		{"ErrTimeout", domain.ErrTimeout, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, domain.IsAuthError(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"ErrUnavailable", domain.ErrUnavailable, true},
		{"ErrNotReady", domain.ErrNotReady, true},
		{"ErrConnectionClosed", domain.ErrConnectionClosed, true},
		{"ErrMissingType", domain.ErrMissingType, false},
		{"ErrUnauthenticated", domain.ErrUnauthenticated, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, domain.IsRetryable(tt.err))
		})
	}
}

func TestIsProtocolError(t *testing.T) {
	assert.True(t, domain.IsProtocolError(domain.ErrMissingType))
	assert.True(t, domain.IsProtocolError(fmt.Errorf("%w: FOO", domain.ErrUnhandledType)))
	assert.False(t, domain.IsProtocolError(domain.ErrNoReceiver))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, domain.IsNotFound(fmt.Errorf("get word: %w", domain.ErrNotFound)))
	assert.False(t, domain.IsNotFound(nil))
}
