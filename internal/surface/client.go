// Package surface is the client side of the coordinator connection, used by
// popup and content-script processes. It keeps one WebSocket open with
// exponential-backoff reconnects and announces itself on every connect.
package surface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/aelexs/captionsync/internal/domain"
	"github.com/aelexs/captionsync/internal/router"
	"github.com/aelexs/captionsync/internal/wsconn"
	"github.com/aelexs/captionsync/pkg/protocol"
)

// RefreshFunc reinitializes the surface's backend connection after the
// coordinator asks for it.
type RefreshFunc func(ctx context.Context) error

// Config configures a Client.
type Config struct {
	// URL is the coordinator's WebSocket endpoint, e.g. ws://localhost:8080/ws.
	URL     string
	Surface protocol.Target

	// OnRefresh runs on REFRESH_FIREBASE_CONNECTION. Nil acknowledges
	// without doing anything.
	OnRefresh RefreshFunc

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Origin is sent as the Origin header when set. Coordinators with an
	// origin allow-list refuse connections without one.
	Origin string

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Client is one surface's connection to the coordinator.
type Client struct {
	url       string
	surface   protocol.Target
	onRefresh RefreshFunc
	dialer    *websocket.Dialer
	header    http.Header
	router    *router.Router
	logger    *slog.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu      sync.RWMutex
	peer    *wsconn.Peer
	readyCh chan struct{}
}

// New creates a Client. Register handlers before calling Run.
func New(cfg Config) (*Client, error) {
	if cfg.Surface.Kind != protocol.TargetPopup && cfg.Surface.Kind != protocol.TargetTab {
		return nil, fmt.Errorf("%w: surface must be popup or a tab, got %s", domain.ErrInvalidInput, cfg.Surface)
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: coordinator url: %v", domain.ErrInvalidInput, err)
	}
	q := u.Query()
	q.Set("surface", string(cfg.Surface.Kind))
	if cfg.Surface.IsTab() {
		q.Set("tab_id", strconv.Itoa(int(cfg.Surface.TabID)))
	}
	u.RawQuery = q.Encode()

	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}

	c := &Client{
		url:            u.String(),
		surface:        cfg.Surface,
		onRefresh:      cfg.OnRefresh,
		dialer:         cfg.Dialer,
		header:         originHeader(cfg.Origin),
		router:         router.New(cfg.Logger),
		logger:         cfg.Logger.With("surface", cfg.Surface.String()),
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		readyCh:        make(chan struct{}),
	}
	c.router.Register(protocol.TypeRefreshConnection, c.handleRefresh)
	return c, nil
}

// Handle registers h for messages of type t sent by the coordinator.
func (c *Client) Handle(t protocol.MessageType, h router.Handler) {
	c.router.Register(t, h)
}

// Ready is closed after the first READY_CHECK has been acknowledged.
func (c *Client) Ready() <-chan struct{} {
	return c.readyCh
}

// Run keeps the connection open until ctx is cancelled, reconnecting with
// exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.MaxInterval = c.maxBackoff
	b.MaxElapsedTime = 0

	var readyOnce sync.Once
	for {
		connected, err := c.runOnce(ctx, &readyOnce)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			b.Reset()
		}
		wait := b.NextBackOff()
		c.logger.InfoContext(ctx, "surface.reconnecting", "error", err, "backoff", wait)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// runOnce serves one connection and reports whether the dial succeeded.
func (c *Client) runOnce(ctx context.Context, readyOnce *sync.Once) (bool, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return false, fmt.Errorf("%w: dial coordinator: %v", domain.ErrConnectionRefused, err)
	}

	peer := wsconn.New(conn, c.logger)
	c.setPeer(peer)
	defer c.setPeer(nil)

	var announce sync.WaitGroup
	announce.Add(1)
	go func() {
		defer announce.Done()
		if err := c.announce(ctx, peer); err != nil {
			c.logger.WarnContext(ctx, "surface.ready_check_failed", "error", err)
			return
		}
		readyOnce.Do(func() { close(c.readyCh) })
	}()

	err = peer.Run(ctx, func(ctx context.Context, msg *protocol.Message) {
		c.dispatch(ctx, peer, msg)
	})
	announce.Wait()
	if err == nil {
		err = domain.ErrConnectionClosed
	}
	return true, err
}

// announce tells the coordinator this surface can receive messages.
func (c *Client) announce(ctx context.Context, peer *wsconn.Peer) error {
	msg := protocol.MustMessage(protocol.TypeReadyCheck, nil)
	msg.Source = c.surface.Source()
	return domain.WithTimeout(ctx, domain.DeliveryTimeout, func(ctx context.Context) error {
		raw, err := peer.Request(ctx, msg)
		if err != nil {
			return err
		}
		var resp protocol.ReadyCheckResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("decode ready check reply: %w", err)
		}
		if !resp.Ready {
			return domain.ErrNotReady
		}
		return nil
	})
}

func (c *Client) dispatch(ctx context.Context, peer *wsconn.Peer, msg *protocol.Message) {
	var respond router.ResponseFunc
	if msg.ID != "" {
		requestID := msg.ID
		respond = func(ctx context.Context, resp any) error {
			return peer.Reply(ctx, requestID, resp)
		}
	}
	c.router.Dispatch(ctx, &router.Request{Message: msg, From: protocol.Background}, respond)
}

func (c *Client) handleRefresh(ctx context.Context, _ *router.Request) (any, error) {
	c.logger.InfoContext(ctx, "surface.refresh_requested")
	if c.onRefresh != nil {
		if err := c.onRefresh(ctx); err != nil {
			return nil, fmt.Errorf("refresh connection: %w", err)
		}
	}
	return protocol.Ack{Success: true}, nil
}

func (c *Client) setPeer(p *wsconn.Peer) {
	c.mu.Lock()
	c.peer = p
	c.mu.Unlock()
}

func (c *Client) currentPeer() (*wsconn.Peer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.peer == nil {
		return nil, domain.ErrNoReceiver
	}
	return c.peer, nil
}

// Request sends msg to the coordinator and waits for the reply. It fails
// with domain.ErrNoReceiver while disconnected.
func (c *Client) Request(ctx context.Context, msg *protocol.Message) (json.RawMessage, error) {
	peer, err := c.currentPeer()
	if err != nil {
		return nil, err
	}
	out := c.stamp(msg)
	raw, err := peer.Request(ctx, out)
	if errors.Is(err, domain.ErrConnectionClosed) {
		return nil, fmt.Errorf("%w: %v", domain.ErrNoReceiver, err)
	}
	return raw, err
}

// Send writes msg without waiting for a reply.
func (c *Client) Send(ctx context.Context, msg *protocol.Message) error {
	peer, err := c.currentPeer()
	if err != nil {
		return err
	}
	return peer.Send(ctx, c.stamp(msg))
}

func (c *Client) stamp(msg *protocol.Message) *protocol.Message {
	out := msg.Clone()
	if out.Source == "" {
		out.Source = c.surface.Source()
	}
	return out
}

func originHeader(origin string) http.Header {
	if origin == "" {
		return nil
	}
	return http.Header{"Origin": []string{origin}}
}
