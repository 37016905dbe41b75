package port

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/aelexs/captionsync/internal/coordinator/app"
	"github.com/aelexs/captionsync/internal/domain"
	"github.com/aelexs/captionsync/internal/errmap"
	"github.com/aelexs/captionsync/internal/router"
	"github.com/aelexs/captionsync/internal/wsconn"
	"github.com/aelexs/captionsync/pkg/protocol"
)

var (
	surfaceConnections metric.Int64UpDownCounter
	surfaceReplaced    metric.Int64Counter
)

func init() {
	m := otel.Meter("coordinator/port")

	surfaceConnections, _ = m.Int64UpDownCounter("coordinator_surface_connections",
		metric.WithDescription("Connected surfaces, by kind"))
	surfaceReplaced, _ = m.Int64Counter("coordinator_surface_replaced_total",
		metric.WithDescription("Connections closed because the same surface reconnected"))
}

// MessageHandler is the coordinator side of the hub. *app.Coordinator
// satisfies it.
type MessageHandler interface {
	Handle(ctx context.Context, from protocol.Target, msg *protocol.Message, respond router.ResponseFunc)
	Disconnected(target protocol.Target)
}

// HubConfig configures a Hub.
type HubConfig struct {
	// AllowedOrigins lists the Origin header values accepted on upgrade.
	// Empty accepts only same-host requests and clients that send no Origin.
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Hub accepts surface WebSocket connections on /ws and is the coordinator's
// Transport. Each surface has at most one live connection; a reconnect
// replaces the older one.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	// ctx outlives individual requests: hijacked connections are not
	// tracked by http.Server.Shutdown, so the hub owns their lifetime.
	ctx   context.Context
	conns sync.WaitGroup

	mu      sync.RWMutex
	peers   map[protocol.Target]*wsconn.Peer
	handler MessageHandler
}

var _ app.Transport = (*Hub)(nil)

// NewHub creates a Hub. Connections are closed with server_shutdown when ctx
// is cancelled.
func NewHub(ctx context.Context, cfg HubConfig) *Hub {
	h := &Hub{
		logger: cfg.Logger,
		ctx:    ctx,
		peers:  make(map[protocol.Target]*wsconn.Peer),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

// SetHandler installs the coordinator. The hub is built first because the
// coordinator takes it as its Transport.
func (h *Hub) SetHandler(handler MessageHandler) {
	h.mu.Lock()
	h.handler = handler
	h.mu.Unlock()
}

// ServeHTTP upgrades /ws?surface=popup or /ws?surface=tab&tab_id=N and
// serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, err := surfaceFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if h.currentHandler() == nil {
		writeError(w, fmt.Errorf("%w: coordinator not started", domain.ErrUnavailable))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug("hub.upgrade_failed", "error", err, "surface", target.String())
		return
	}

	h.conns.Add(1)
	defer h.conns.Done()
	h.serve(target, wsconn.New(conn, h.logger.With("surface", target.String())))
}

func (h *Hub) serve(target protocol.Target, peer *wsconn.Peer) {
	kind := metric.WithAttributes(attribute.String("kind", string(target.Kind)))
	h.register(target, peer)
	surfaceConnections.Add(h.ctx, 1, kind)
	h.logger.Info("hub.surface_connected", "surface", target.String())

	err := peer.Run(h.ctx, func(ctx context.Context, msg *protocol.Message) {
		h.dispatch(ctx, target, peer, msg)
	})

	surfaceConnections.Add(context.Background(), -1, kind)
	if h.unregister(target, peer) {
		if handler := h.currentHandler(); handler != nil {
			handler.Disconnected(target)
		}
	}
	h.logger.Info("hub.surface_disconnected", "surface", target.String(), "error", err)
}

func (h *Hub) dispatch(ctx context.Context, from protocol.Target, peer *wsconn.Peer, msg *protocol.Message) {
	if msg.Source == "" {
		msg.Source = from.Source()
	}
	var respond router.ResponseFunc
	if msg.ID != "" {
		requestID := msg.ID
		respond = func(ctx context.Context, resp any) error {
			return peer.Reply(ctx, requestID, resp)
		}
	}
	h.currentHandler().Handle(ctx, from, msg, respond)
}

func (h *Hub) register(target protocol.Target, peer *wsconn.Peer) {
	h.mu.Lock()
	old := h.peers[target]
	h.peers[target] = peer
	h.mu.Unlock()

	if old != nil {
		surfaceReplaced.Add(h.ctx, 1)
		h.logger.Warn("hub.surface_replaced", "surface", target.String())
		old.Close(errmap.CloseSurfaceReplaced)
	}
}

// unregister removes peer and reports whether it was still the live
// connection for target.
func (h *Hub) unregister(target protocol.Target, peer *wsconn.Peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.peers[target] != peer {
		return false
	}
	delete(h.peers, target)
	return true
}

func (h *Hub) currentHandler() MessageHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.handler
}

// Send delivers msg to target and waits for its reply.
func (h *Hub) Send(ctx context.Context, target protocol.Target, msg *protocol.Message) (json.RawMessage, error) {
	h.mu.RLock()
	peer, ok := h.peers[target]
	h.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNoReceiver
	}
	return peer.Request(ctx, msg)
}

// Tabs returns the connected content-script tabs in ascending order.
func (h *Hub) Tabs(_ context.Context) ([]protocol.TabID, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	tabs := make([]protocol.TabID, 0, len(h.peers))
	for t := range h.peers {
		if t.IsTab() {
			tabs = append(tabs, t.TabID)
		}
	}
	slices.Sort(tabs)
	return tabs, nil
}

// Connected lists every connected surface.
func (h *Hub) Connected() []protocol.Target {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]protocol.Target, 0, len(h.peers))
	for t := range h.peers {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b protocol.Target) int {
		if a.Kind != b.Kind {
			if a.Kind < b.Kind {
				return -1
			}
			return 1
		}
		return int(a.TabID) - int(b.TabID)
	})
	return out
}

// Wait blocks until every connection goroutine has returned.
func (h *Hub) Wait() {
	h.conns.Wait()
}

func surfaceFromQuery(r *http.Request) (protocol.Target, error) {
	q := r.URL.Query()
	switch protocol.TargetKind(q.Get("surface")) {
	case protocol.TargetPopup:
		return protocol.Popup, nil
	case protocol.TargetTab:
		id, err := strconv.Atoi(q.Get("tab_id"))
		if err != nil || id < 0 {
			return protocol.Target{}, fmt.Errorf("%w: tab_id must be a non-negative integer", domain.ErrInvalidInput)
		}
		return protocol.Tab(protocol.TabID(id)), nil
	default:
		return protocol.Target{}, fmt.Errorf("%w: surface must be popup or tab", domain.ErrInvalidInput)
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil // gorilla's default same-origin check
	}
	return func(r *http.Request) bool {
		return slices.Contains(allowed, r.Header.Get("Origin"))
	}
}
