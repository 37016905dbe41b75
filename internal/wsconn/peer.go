// Package wsconn wraps a gorilla/websocket connection with the message
// envelope, keepalive pings, and awaitable request/reply. Both the
// coordinator's hub and the surface client run one Peer per connection.
package wsconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aelexs/captionsync/internal/domain"
	"github.com/aelexs/captionsync/internal/errmap"
	"github.com/aelexs/captionsync/pkg/protocol"
)

const sendBuffer = 64

// MessageFunc handles one inbound non-reply frame. It runs on its own
// goroutine so it may issue requests over the same peer.
type MessageFunc func(ctx context.Context, msg *protocol.Message)

// Peer is one end of a WebSocket connection.
type Peer struct {
	conn   *websocket.Conn
	logger *slog.Logger
	send   chan []byte

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Message

	closeOnce sync.Once
	closed    chan struct{}
	closeWith errmap.WebSocketClose

	handlers sync.WaitGroup
}

// New wraps conn. Call Run to start pumping.
func New(conn *websocket.Conn, logger *slog.Logger) *Peer {
	return &Peer{
		conn:    conn,
		logger:  logger,
		send:    make(chan []byte, sendBuffer),
		pending: make(map[string]chan *protocol.Message),
		closed:  make(chan struct{}),
	}
}

// Done is closed once the peer has been closed.
func (p *Peer) Done() <-chan struct{} {
	return p.closed
}

// Close shuts the peer down, sending close to the remote end.
func (p *Peer) Close(reason errmap.WebSocketClose) {
	p.closeOnce.Do(func() {
		p.closeWith = reason
		close(p.closed)
	})
}

// Run pumps the connection until it closes or ctx is cancelled. Inbound
// replies resolve pending requests; everything else goes to onMessage.
// Outstanding requests fail with ErrConnectionClosed when Run returns.
func (p *Peer) Run(ctx context.Context, onMessage MessageFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		p.writePump(ctx)
	}()

	err := p.readPump(ctx, onMessage)

	p.Close(errmap.ToWebSocketClose(nil))
	<-writeDone
	_ = p.conn.Close()
	p.failPending()
	cancel()
	p.handlers.Wait()

	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return err
	}
	return nil
}

func (p *Peer) readPump(ctx context.Context, onMessage MessageFunc) error {
	p.conn.SetReadLimit(domain.WSMaxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(domain.WSPongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(domain.WSPongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			select {
			case <-p.closed:
				return nil
			default:
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				p.logger.Warn("wsconn.read_error", "error", err)
			}
			return err
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(domain.WSPongWait))

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			p.logger.Warn("wsconn.invalid_frame", "error", err)
			continue
		}

		if msg.IsResponse() {
			p.resolve(&msg)
			continue
		}
		if onMessage == nil {
			continue
		}
		p.handlers.Add(1)
		go func() {
			defer p.handlers.Done()
			onMessage(ctx, &msg)
		}()
	}
}

func (p *Peer) writePump(ctx context.Context) {
	ticker := time.NewTicker(domain.WSPingPeriod)
	defer ticker.Stop()
	// Once writing stops, give the remote end WSWriteWait to answer the
	// close frame before the blocked read gives up.
	defer func() {
		_ = p.conn.SetReadDeadline(time.Now().Add(domain.WSWriteWait))
	}()

	for {
		select {
		case data := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(domain.WSWriteWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.logger.Debug("wsconn.write_failed", "error", err)
				p.Close(errmap.ToWebSocketClose(domain.ErrConnectionClosed))
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(domain.WSWriteWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.Close(errmap.ToWebSocketClose(domain.ErrConnectionClosed))
				return
			}
		case <-ctx.Done():
			p.Close(errmap.CloseServerShutdown)
			p.writeClose()
			return
		case <-p.closed:
			p.writeClose()
			return
		}
	}
}

func (p *Peer) writeClose() {
	msg := websocket.FormatCloseMessage(p.closeWith.Code, p.closeWith.Reason)
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(domain.WSWriteWait))
}

// Send writes msg without waiting for a reply.
func (p *Peer) Send(ctx context.Context, msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	select {
	case <-p.closed:
		return domain.ErrConnectionClosed
	default:
	}
	select {
	case p.send <- data:
		return nil
	case <-p.closed:
		return domain.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Request sends msg and waits for the matching reply. A message without an
// ID is given one.
func (p *Peer) Request(ctx context.Context, msg *protocol.Message) (json.RawMessage, error) {
	if msg.ID == "" {
		msg = msg.Clone()
		msg.ID = domain.NewMessageID()
	}
	ch := make(chan *protocol.Message, 1)

	p.pendingMu.Lock()
	p.pending[msg.ID] = ch
	p.pendingMu.Unlock()
	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, msg.ID)
		p.pendingMu.Unlock()
	}()

	if err := p.Send(ctx, msg); err != nil {
		return nil, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, domain.ErrConnectionClosed
		}
		return reply.Payload, nil
	case <-p.closed:
		return nil, domain.ErrConnectionClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: no reply to %s", domain.ErrTimeout, msg.Type)
		}
		return nil, ctx.Err()
	}
}

// Reply answers the request with ID requestID.
func (p *Peer) Reply(ctx context.Context, requestID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}
	return p.Send(ctx, protocol.NewResponse(requestID, raw))
}

func (p *Peer) resolve(msg *protocol.Message) {
	p.pendingMu.Lock()
	ch, ok := p.pending[msg.ReplyTo]
	if ok {
		delete(p.pending, msg.ReplyTo)
	}
	p.pendingMu.Unlock()

	if !ok {
		p.logger.Debug("wsconn.orphan_reply", "reply_to", msg.ReplyTo)
		return
	}
	ch <- msg
}

func (p *Peer) failPending() {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
}
