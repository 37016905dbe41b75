package errmap_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aelexs/captionsync/internal/domain"
	"github.com/aelexs/captionsync/internal/errmap"
)

func TestToHTTPError(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		wantStatusCode int
		wantCode       string
	}{
		{"nil error", nil, http.StatusOK, ""},

		{"ErrNotFound", domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"ErrAlreadyExists", domain.ErrAlreadyExists, http.StatusConflict, "ALREADY_EXISTS"},

		{"ErrUnauthenticated", domain.ErrUnauthenticated, http.StatusUnauthorized, "UNAUTHENTICATED"},
		{"ErrTokenExpired", domain.ErrTokenExpired, http.StatusUnauthorized, "TOKEN_EXPIRED"},
		{"ErrPermissionDenied", domain.ErrPermissionDenied, http.StatusForbidden, "PERMISSION_DENIED"},

		{"ErrMissingType", domain.ErrMissingType, http.StatusBadRequest, "MISSING_TYPE"},
		{"ErrUnhandledType", domain.ErrUnhandledType, http.StatusBadRequest, "UNHANDLED_TYPE"},
		{"ErrInvalidInput", domain.ErrInvalidInput, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"ErrEmptyID", domain.ErrEmptyID, http.StatusBadRequest, "INVALID_ARGUMENT"},

		{"ErrNoReceiver", domain.ErrNoReceiver, http.StatusNotFound, "NO_RECEIVER"},
		{"ErrNotReady", domain.ErrNotReady, http.StatusServiceUnavailable, "NOT_READY"},
		{"ErrRebroadcast", domain.ErrRebroadcast, http.StatusConflict, "REBROADCAST"},

		{"ErrTimeout", domain.ErrTimeout, http.StatusGatewayTimeout, "TIMEOUT"},
		{"ErrUnavailable", domain.ErrUnavailable, http.StatusServiceUnavailable, "UNAVAILABLE"},
		{"ErrOffline", domain.ErrOffline, http.StatusServiceUnavailable, "UNAVAILABLE"},

		{"wrapped", fmt.Errorf("save word: %w", domain.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{"unknown error", errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := errmap.ToHTTPError(tt.err)
			assert.Equal(t, tt.wantStatusCode, got.StatusCode)
			assert.Equal(t, tt.wantCode, got.Code)
		})
	}
}

func TestToHTTPError_HidesInternalDetails(t *testing.T) {
	got := errmap.ToHTTPError(errors.New("dynamodb: table arn:aws:... missing"))
	assert.Equal(t, "internal error", got.Message)
}

func TestToHTTPStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusGatewayTimeout, errmap.ToHTTPStatusCode(domain.ErrTimeout))
}

func TestFromHTTPStatus(t *testing.T) {
	tests := []struct {
		status  int
		want    error
		network bool
		auth    bool
	}{
		{http.StatusUnauthorized, domain.ErrUnauthenticated, false, true},
		{http.StatusForbidden, domain.ErrPermissionDenied, false, true},
		{http.StatusNotFound, domain.ErrNotFound, false, false},
		{http.StatusGatewayTimeout, domain.ErrTimeout, true, false},
		{http.StatusServiceUnavailable, domain.ErrUnavailable, true, false},
		{http.StatusTooManyRequests, domain.ErrUnavailable, true, false},
		{http.StatusBadRequest, domain.ErrInvalidInput, false, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := errmap.FromHTTPStatus(tt.status, "detail")
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.network, domain.IsNetworkError(err))
			assert.Equal(t, tt.auth, domain.IsAuthError(err))
		})
	}

	assert.NoError(t, errmap.FromHTTPStatus(http.StatusOK, ""))
	assert.Error(t, errmap.FromHTTPStatus(http.StatusInternalServerError, "oops"))
}
