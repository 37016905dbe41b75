package port_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/captionsync/internal/coordinator/app"
	"github.com/aelexs/captionsync/internal/coordinator/port"
	"github.com/aelexs/captionsync/internal/domain"
	"github.com/aelexs/captionsync/pkg/protocol"
)

type stubCoordinator struct {
	status    app.Status
	callFn    func(ctx context.Context, from protocol.Target, msg *protocol.Message) (any, bool)
	deliverFn func(ctx context.Context, target protocol.Target, msg *protocol.Message) (app.Delivery, error)
}

func (s *stubCoordinator) Status() app.Status { return s.status }

func (s *stubCoordinator) Call(ctx context.Context, from protocol.Target, msg *protocol.Message) (any, bool) {
	return s.callFn(ctx, from, msg)
}

func (s *stubCoordinator) Deliver(ctx context.Context, target protocol.Target, msg *protocol.Message) (app.Delivery, error) {
	return s.deliverFn(ctx, target, msg)
}

type stubSurfaces []protocol.Target

func (s stubSurfaces) Connected() []protocol.Target { return s }

func serveAPI(t *testing.T, coord *stubCoordinator, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	api, err := port.NewHTTPAPI(coord, stubSurfaces{protocol.Popup, protocol.Tab(2)})
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)
	return rec
}

func TestHTTPAPI_Status(t *testing.T) {
	coord := &stubCoordinator{status: app.Status{Service: protocol.ServiceStatus{HandlerCount: 12}}}

	rec := serveAPI(t, coord, http.MethodGet, "/v1/status", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Service  protocol.ServiceStatus `json:"service"`
		Surfaces []string               `json:"surfaces"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 12, got.Service.HandlerCount)
	assert.Equal(t, []string{"popup", "tab:2"}, got.Surfaces)
}

func TestHTTPAPI_RoutesToCoordinator(t *testing.T) {
	var gotFrom protocol.Target
	coord := &stubCoordinator{
		callFn: func(_ context.Context, from protocol.Target, msg *protocol.Message) (any, bool) {
			gotFrom = from
			assert.Equal(t, protocol.TypeGetAuthState, msg.Type)
			return protocol.AuthState{IsAuthenticated: true}, true
		},
	}

	rec := serveAPI(t, coord, http.MethodPost, "/v1/messages", `{"message":{"type":"GET_AUTH_STATE"}}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, protocol.Background, gotFrom)
	assert.Contains(t, rec.Body.String(), `"replied":true`)
	assert.Contains(t, rec.Body.String(), `"isAuthenticated":true`)

	rec = serveAPI(t, coord, http.MethodPost, "/v1/messages", `{"from":"tab:4","message":{"type":"GET_AUTH_STATE"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, protocol.Tab(4), gotFrom)
}

func TestHTTPAPI_DeliversToTarget(t *testing.T) {
	coord := &stubCoordinator{
		deliverFn: func(_ context.Context, target protocol.Target, _ *protocol.Message) (app.Delivery, error) {
			if target == protocol.Popup {
				return app.Delivery{MessageID: "abc", Queued: true}, nil
			}
			return app.Delivery{}, domain.ErrInvalidInput
		},
	}

	rec := serveAPI(t, coord, http.MethodPost, "/v1/messages", `{"target":"popup","message":{"type":"WORD_SELECTED"}}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"queued":true`)

	rec = serveAPI(t, coord, http.MethodPost, "/v1/messages", `{"target":"background","message":{"type":"WORD_SELECTED"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_ARGUMENT")
}

func TestHTTPAPI_BadRequests(t *testing.T) {
	coord := &stubCoordinator{}

	for _, body := range []string{`not json`, `{}`, `{"target":"moon","message":{"type":"X"}}`} {
		rec := serveAPI(t, coord, http.MethodPost, "/v1/messages", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	rec := serveAPI(t, coord, http.MethodGet, "/v1/messages", "")
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestHTTPAPI_ServesOpenAPI(t *testing.T) {
	rec := serveAPI(t, &stubCoordinator{}, http.MethodGet, "/v1/openapi.json", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var doc struct {
		Paths map[string]json.RawMessage `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Contains(t, doc.Paths, "/v1/status")
	assert.Contains(t, doc.Paths, "/v1/messages")
}
