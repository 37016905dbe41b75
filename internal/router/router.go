// Package router dispatches inbound messages to the handler registered for
// their type. Handler failures never escape Dispatch: panics and errors are
// converted into structured error replies, and a reply that cannot be
// delivered is logged.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/aelexs/captionsync/internal/domain"
	"github.com/aelexs/captionsync/internal/observability"
	"github.com/aelexs/captionsync/pkg/protocol"
)

var tracer = otel.Tracer("router")

var (
	messagesTotal     metric.Int64Counter
	handlerErrorTotal metric.Int64Counter
	respondFailTotal  metric.Int64Counter
)

func init() {
	m := otel.Meter("router")

	messagesTotal, _ = m.Int64Counter("router_messages_total",
		metric.WithDescription("Inbound messages by type and outcome"))
	handlerErrorTotal, _ = m.Int64Counter("router_handler_errors_total",
		metric.WithDescription("Handler errors, panics, and timeouts"))
	respondFailTotal, _ = m.Int64Counter("router_respond_failures_total",
		metric.WithDescription("Replies that could not be delivered to the sender"))
}

const missingTypeMessage = "Message missing type field"

// Request is an inbound message together with the surface that sent it.
type Request struct {
	Message *protocol.Message
	From    protocol.Target
}

// Handler serves one message type. Returning (nil, nil) declines to reply.
type Handler func(ctx context.Context, req *Request) (any, error)

// ResponseFunc delivers a reply to the original sender.
type ResponseFunc func(ctx context.Context, resp any) error

// Router holds the handler registry.
type Router struct {
	mu       sync.RWMutex
	handlers map[protocol.MessageType]Handler

	logger  *slog.Logger
	timeout time.Duration
}

// Option configures a Router.
type Option func(*Router)

// WithHandlerTimeout bounds how long a handler may hold a reply open.
func WithHandlerTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// New creates an empty Router.
func New(logger *slog.Logger, opts ...Option) *Router {
	r := &Router{
		handlers: make(map[protocol.MessageType]Handler),
		logger:   logger,
		timeout:  domain.HandlerTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register stores h for t. A second registration for the same type replaces
// the first.
func (r *Router) Register(t protocol.MessageType, h Handler) {
	if !protocol.IsKnown(t) {
		r.logger.Warn("router.register_unknown_type", "type", t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[t]; dup {
		r.logger.Debug("router.handler_replaced", "type", t)
	}
	r.handlers[t] = h
}

// HandlerCount returns the number of registered handlers.
func (r *Router) HandlerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Has reports whether a handler is registered for t.
func (r *Router) Has(t protocol.MessageType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[t]
	return ok
}

func (r *Router) lookup(t protocol.MessageType) (Handler, bool) {
	if !protocol.IsKnown(t) {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Dispatch routes req to its handler and passes the outcome to respond.
// It blocks until the handler finishes or the handler timeout elapses.
func (r *Router) Dispatch(ctx context.Context, req *Request, respond ResponseFunc) {
	msgType := req.Message.Type
	ctx, span := tracer.Start(ctx, "router.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("message.type", string(msgType)),
		attribute.String("message.from", req.From.String()),
	)

	logger := observability.WithTraceID(ctx, r.logger).With("type", msgType, "from", req.From.String())

	if msgType == "" {
		messagesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "missing_type")))
		span.SetStatus(codes.Error, missingTypeMessage)
		logger.WarnContext(ctx, "router.missing_type")
		r.send(ctx, logger, respond, protocol.ErrorResponse{Error: missingTypeMessage})
		return
	}

	h, ok := r.lookup(msgType)
	if !ok {
		messagesTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", string(msgType)), attribute.String("outcome", "unhandled")))
		span.SetStatus(codes.Error, "unhandled type")
		logger.WarnContext(ctx, "router.unhandled_type")
		r.send(ctx, logger, respond, protocol.Failure(fmt.Sprintf("No handler for message type: %s", msgType)))
		return
	}

	resp, err := r.invoke(ctx, h, req)
	if err != nil {
		messagesTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", string(msgType)), attribute.String("outcome", "error")))
		handlerErrorTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(msgType))))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.ErrorContext(ctx, "router.handler_failed", "error", err)
		r.send(ctx, logger, respond, protocol.Failure(err.Error()))
		return
	}

	messagesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(msgType)), attribute.String("outcome", "ok")))
	if resp == nil {
		logger.DebugContext(ctx, "router.no_reply")
		return
	}
	r.send(ctx, logger, respond, resp)
}

// invoke runs h on its own goroutine so a panic or a hung handler cannot take
// down the caller.
func (r *Router) invoke(ctx context.Context, h Handler, req *Request) (any, error) {
	hctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type result struct {
		resp any
		err  error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("%w: %v", domain.ErrHandlerPanic, p)}
			}
		}()
		resp, err := h(hctx, req)
		done <- result{resp: resp, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && r.timedOut(ctx, hctx) {
			return nil, r.timeoutErr(req)
		}
		return res.resp, res.err
	case <-hctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, r.timeoutErr(req)
	}
}

func (r *Router) timedOut(parent, hctx context.Context) bool {
	return parent.Err() == nil && errors.Is(hctx.Err(), context.DeadlineExceeded)
}

func (r *Router) timeoutErr(req *Request) error {
	return fmt.Errorf("%w: handler for %s exceeded %s", domain.ErrTimeout, req.Message.Type, r.timeout)
}

func (r *Router) send(ctx context.Context, logger *slog.Logger, respond ResponseFunc, resp any) {
	if respond == nil {
		return
	}
	if err := respond(ctx, resp); err != nil {
		respondFailTotal.Add(ctx, 1)
		if errors.Is(err, domain.ErrConnectionClosed) {
			logger.DebugContext(ctx, "router.respond_failed", "error", err)
			return
		}
		logger.WarnContext(ctx, "router.respond_failed", "error", err)
	}
}

// Call dispatches req and returns the reply, if any.
func (r *Router) Call(ctx context.Context, req *Request) (resp any, replied bool) {
	r.Dispatch(ctx, req, func(_ context.Context, v any) error {
		resp = v
		replied = true
		return nil
	})
	return resp, replied
}
