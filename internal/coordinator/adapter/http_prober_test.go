package adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/captionsync/internal/domain"
)

func TestHTTPProber(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNoContent)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.WriteHeader(int(status.Load()))
	}))
	t.Cleanup(srv.Close)

	prober := NewHTTPProber(srv.URL, srv.Client())
	require.NoError(t, prober.Probe(context.Background()))

	status.Store(http.StatusBadGateway)
	err := prober.Probe(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestHTTPProber_Unreachable(t *testing.T) {
	prober := NewHTTPProber("http://127.0.0.1:1/generate_204", nil)
	err := prober.Probe(context.Background())
	assert.ErrorIs(t, err, domain.ErrOffline)
	assert.True(t, domain.IsNetworkError(err))
}
