// Package broadcast fans a message out to every open tab and the popup.
// One recipient's failure never aborts the batch, and the popup falls back
// to the delivery queue when it cannot take the message right now.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/aelexs/captionsync/internal/domain"
	"github.com/aelexs/captionsync/internal/observability"
	"github.com/aelexs/captionsync/internal/queue"
	"github.com/aelexs/captionsync/pkg/protocol"
)

var tracer = otel.Tracer("broadcast")

var (
	broadcastsTotal   metric.Int64Counter
	recipientFailures metric.Int64Counter
	popupQueuedTotal  metric.Int64Counter
)

func init() {
	m := otel.Meter("broadcast")

	broadcastsTotal, _ = m.Int64Counter("broadcast_total",
		metric.WithDescription("Broadcasts dispatched, by message type"))
	recipientFailures, _ = m.Int64Counter("broadcast_recipient_failures_total",
		metric.WithDescription("Unexpected per-recipient delivery failures"))
	popupQueuedTotal, _ = m.Int64Counter("broadcast_popup_queued_total",
		metric.WithDescription("Broadcasts handed to the delivery queue for the popup"))
}

// Sender delivers to a single surface and lists the open tabs.
type Sender interface {
	Send(ctx context.Context, target protocol.Target, msg *protocol.Message) (json.RawMessage, error)
	Tabs(ctx context.Context) ([]protocol.TabID, error)
}

// Enqueuer is the subset of the delivery queue the dispatcher uses.
type Enqueuer interface {
	Enqueue(msg *protocol.Message, target protocol.Target, cb queue.Callback)
	EnqueueFailed(msg *protocol.Message, target protocol.Target, cb queue.Callback)
}

// ReadinessChecker reports whether a target has announced itself.
type ReadinessChecker interface {
	IsReady(target protocol.Target) bool
}

// Result summarises one broadcast. It is complete once Broadcast returns;
// queued popup retries are not waited on.
type Result struct {
	MessageID   string
	Tabs        int
	Delivered   int
	NoReceiver  int
	Failed      int
	PopupSent   bool
	PopupQueued bool
}

// Dispatcher sends to all known recipients.
type Dispatcher struct {
	sender      Sender
	queue       Enqueuer
	readiness   ReadinessChecker
	clock       domain.Clock
	logger      *slog.Logger
	concurrency int
	timeout     time.Duration
}

// New creates a Dispatcher.
func New(sender Sender, q Enqueuer, readiness ReadinessChecker, clock domain.Clock, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sender:      sender,
		queue:       q,
		readiness:   readiness,
		clock:       clock,
		logger:      logger,
		concurrency: domain.BroadcastConcurrency,
		timeout:     domain.DeliveryTimeout,
	}
}

// Stamp returns a copy of msg tagged as a broadcast with a fresh message
// ID and timestamp.
func (d *Dispatcher) Stamp(msg *protocol.Message) *protocol.Message {
	out := msg.Clone()
	out.ID = domain.NewMessageID()
	out.Timestamp = domain.NowUTCMillis(d.clock)
	out.Source = protocol.SourceBroadcast
	return out
}

// Broadcast delivers msg to every open tab and the popup. A message that
// already carries the broadcast source tag is refused with ErrRebroadcast.
func (d *Dispatcher) Broadcast(ctx context.Context, msg *protocol.Message) (Result, error) {
	if msg.Source == protocol.SourceBroadcast {
		d.logger.WarnContext(ctx, "broadcast.loop_prevented", "type", msg.Type, "message_id", msg.ID)
		return Result{}, domain.ErrRebroadcast
	}

	ctx, span := tracer.Start(ctx, "broadcast.send")
	defer span.End()

	out := d.Stamp(msg)
	span.SetAttributes(
		attribute.String("message.type", string(out.Type)),
		attribute.String("message.id", out.ID),
	)
	logger := observability.WithTraceID(ctx, d.logger).With("type", out.Type, "message_id", out.ID)
	broadcastsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(out.Type))))

	res := Result{MessageID: out.ID}

	tabs, err := d.sender.Tabs(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.WarnContext(ctx, "broadcast.list_tabs_failed", "error", err)
	}
	res.Tabs = len(tabs)
	d.sendTabs(ctx, logger, out, tabs, &res)
	d.sendPopup(ctx, logger, out, &res)

	logger.DebugContext(ctx, "broadcast.done",
		"tabs", res.Tabs,
		"delivered", res.Delivered,
		"no_receiver", res.NoReceiver,
		"failed", res.Failed,
		"popup_sent", res.PopupSent,
		"popup_queued", res.PopupQueued,
	)
	return res, nil
}

func (d *Dispatcher) sendTabs(ctx context.Context, logger *slog.Logger, msg *protocol.Message, tabs []protocol.TabID, res *Result) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)

	for _, id := range tabs {
		g.Go(func() error {
			err := d.send(gctx, protocol.Tab(id), msg)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Delivered++
			case errors.Is(err, domain.ErrNoReceiver):
				res.NoReceiver++
				logger.DebugContext(ctx, "broadcast.no_receiver", "tab_id", id)
			default:
				res.Failed++
				recipientFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("target", "tab")))
				logger.WarnContext(ctx, "broadcast.tab_failed", "tab_id", id, "error", err)
			}
			// Per-tab failures never cancel the rest of the batch.
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) sendPopup(ctx context.Context, logger *slog.Logger, msg *protocol.Message, res *Result) {
	if !d.readiness.IsReady(protocol.Popup) {
		d.queue.Enqueue(msg, protocol.Popup, nil)
		res.PopupQueued = true
		popupQueuedTotal.Add(ctx, 1)
		logger.DebugContext(ctx, "broadcast.popup_queued")
		return
	}

	if err := d.send(ctx, protocol.Popup, msg); err != nil {
		d.queue.EnqueueFailed(msg, protocol.Popup, nil)
		res.PopupQueued = true
		popupQueuedTotal.Add(ctx, 1)
		if !errors.Is(err, domain.ErrNoReceiver) {
			recipientFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("target", "popup")))
		}
		logger.WarnContext(ctx, "broadcast.popup_failed", "error", err)
		return
	}
	res.PopupSent = true
}

func (d *Dispatcher) send(ctx context.Context, target protocol.Target, msg *protocol.Message) error {
	return domain.WithTimeout(ctx, d.timeout, func(ctx context.Context) error {
		_, err := d.sender.Send(ctx, target, msg)
		return err
	})
}
