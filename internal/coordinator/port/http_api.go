package port

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	apiv1 "github.com/aelexs/captionsync/api/v1"
	"github.com/aelexs/captionsync/internal/coordinator/app"
	"github.com/aelexs/captionsync/internal/domain"
	"github.com/aelexs/captionsync/internal/errmap"
	"github.com/aelexs/captionsync/pkg/protocol"
)

const maxRequestBody = 1 << 20

// coordinatorAPI is the narrow, consumer-defined interface for the
// operations the HTTP API exposes. The *app.Coordinator satisfies this.
type coordinatorAPI interface {
	Status() app.Status
	Call(ctx context.Context, from protocol.Target, msg *protocol.Message) (any, bool)
	Deliver(ctx context.Context, target protocol.Target, msg *protocol.Message) (app.Delivery, error)
}

// surfaceLister reports the connected surfaces. *Hub satisfies this.
type surfaceLister interface {
	Connected() []protocol.Target
}

// SendRequest is the body of POST /v1/messages. With Target set the message
// is delivered to that surface; otherwise it is routed to the coordinator
// as if sent by From (background when empty).
type SendRequest struct {
	Target  *protocol.Target  `json:"target,omitempty"`
	From    *protocol.Target  `json:"from,omitempty"`
	Message *protocol.Message `json:"message"`
}

// CallResponse is the reply to a routed message.
type CallResponse struct {
	Replied bool `json:"replied"`
	Reply   any  `json:"reply,omitempty"`
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	app.Status
	Surfaces []protocol.Target `json:"surfaces"`
}

// NewHTTPAPI builds the operator API:
//
//	GET  /v1/status    coordinator status plus connected surfaces
//	POST /v1/messages  deliver to a surface or route to the coordinator
//	GET  /v1/openapi.json
func NewHTTPAPI(coord coordinatorAPI, surfaces surfaceLister) (http.Handler, error) {
	mux := runtime.NewServeMux()
	api := &httpAPI{coord: coord, surfaces: surfaces}

	if err := mux.HandlePath(http.MethodGet, "/v1/status", api.status); err != nil {
		return nil, fmt.Errorf("register status route: %w", err)
	}
	if err := mux.HandlePath(http.MethodPost, "/v1/messages", api.send); err != nil {
		return nil, fmt.Errorf("register messages route: %w", err)
	}
	if err := mux.HandlePath(http.MethodGet, "/v1/openapi.json", serveSpec); err != nil {
		return nil, fmt.Errorf("register openapi route: %w", err)
	}
	return mux, nil
}

func serveSpec(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(apiv1.Spec)
}

type httpAPI struct {
	coord    coordinatorAPI
	surfaces surfaceLister
}

func (a *httpAPI) status(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:   a.coord.Status(),
		Surfaces: a.surfaces.Connected(),
	})
}

func (a *httpAPI) send(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req SendRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, fmt.Errorf("%w: read body: %v", domain.ErrInvalidInput, err))
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
		return
	}
	if req.Message == nil {
		writeError(w, fmt.Errorf("%w: message is required", domain.ErrInvalidInput))
		return
	}

	if req.Target != nil {
		d, err := a.coord.Deliver(r.Context(), *req.Target, req.Message)
		if err != nil {
			writeError(w, err)
			return
		}
		status := http.StatusOK
		if d.Queued {
			status = http.StatusAccepted
		}
		writeJSON(w, status, d)
		return
	}

	from := protocol.Background
	if req.From != nil {
		from = *req.From
	}
	resp, replied := a.coord.Call(r.Context(), from, req.Message)
	writeJSON(w, http.StatusOK, CallResponse{Replied: replied, Reply: resp})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	httpErr := errmap.ToHTTPError(err)
	writeJSON(w, httpErr.StatusCode, httpErr)
}
