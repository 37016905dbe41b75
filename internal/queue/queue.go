// Package queue buffers outbound messages for surfaces that were not ready
// at send time, or that failed a direct delivery, and retries them on a
// timer. Entries expire after a TTL or an attempt ceiling, whichever comes
// first.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/aelexs/captionsync/internal/domain"
	"github.com/aelexs/captionsync/pkg/protocol"
)

var (
	enqueuedTotal  metric.Int64Counter
	deliveredTotal metric.Int64Counter
	droppedTotal   metric.Int64Counter
	retriedTotal   metric.Int64Counter
)

func init() {
	m := otel.Meter("queue")

	enqueuedTotal, _ = m.Int64Counter("queue_enqueued_total",
		metric.WithDescription("Messages added to the delivery queue"))
	deliveredTotal, _ = m.Int64Counter("queue_delivered_total",
		metric.WithDescription("Queued messages delivered"))
	droppedTotal, _ = m.Int64Counter("queue_dropped_total",
		metric.WithDescription("Queued messages dropped, by reason"))
	retriedTotal, _ = m.Int64Counter("queue_retry_failures_total",
		metric.WithDescription("Failed delivery attempts that stay queued"))
}

// Transport delivers a message to one surface and lists the open tabs.
type Transport interface {
	Send(ctx context.Context, target protocol.Target, msg *protocol.Message) (json.RawMessage, error)
	Tabs(ctx context.Context) ([]protocol.TabID, error)
}

// ReadinessChecker reports whether a target has announced itself.
type ReadinessChecker interface {
	IsReady(target protocol.Target) bool
}

// Callback receives the target's reply after a successful delivery.
// For the all target the reply is nil.
type Callback func(resp json.RawMessage)

// Config holds the queue limits.
type Config struct {
	TTL             time.Duration
	MaxAttempts     int
	DrainInterval   time.Duration
	DeliveryTimeout time.Duration
}

// DefaultConfig returns the compiled defaults.
func DefaultConfig() Config {
	return Config{
		TTL:             domain.QueueMessageTTL,
		MaxAttempts:     domain.QueueMaxAttempts,
		DrainInterval:   domain.QueueDrainInterval,
		DeliveryTimeout: domain.DeliveryTimeout,
	}
}

type entry struct {
	msg        *protocol.Message
	target     protocol.Target
	attempts   int
	enqueuedAt time.Time
	callback   Callback
}

// Entry is a read-only view of a queued message.
type Entry struct {
	MessageType protocol.MessageType `json:"type"`
	Target      protocol.Target      `json:"target"`
	Attempts    int                  `json:"attempts"`
	EnqueuedAt  time.Time            `json:"enqueuedAt"`
}

// Queue is safe for concurrent Enqueue calls; drains are serialized.
type Queue struct {
	mu      sync.Mutex
	entries []*entry

	drainMu sync.Mutex

	transport Transport
	readiness ReadinessChecker
	clock     domain.Clock
	logger    *slog.Logger
	cfg       Config
}

// New creates an empty Queue. Zero fields in cfg take their defaults.
func New(transport Transport, readiness ReadinessChecker, clock domain.Clock, logger *slog.Logger, cfg Config) *Queue {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = def.DrainInterval
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = def.DeliveryTimeout
	}
	return &Queue{
		transport: transport,
		readiness: readiness,
		clock:     clock,
		logger:    logger,
		cfg:       cfg,
	}
}

// Enqueue adds msg for target with no attempts recorded.
func (q *Queue) Enqueue(msg *protocol.Message, target protocol.Target, cb Callback) {
	q.add(msg, target, cb, 0)
}

// EnqueueFailed adds msg after a direct delivery attempt already failed once.
func (q *Queue) EnqueueFailed(msg *protocol.Message, target protocol.Target, cb Callback) {
	q.add(msg, target, cb, 1)
}

func (q *Queue) add(msg *protocol.Message, target protocol.Target, cb Callback, attempts int) {
	e := &entry{
		msg:        msg,
		target:     target,
		attempts:   attempts,
		enqueuedAt: q.clock.Now(),
		callback:   cb,
	}
	q.mu.Lock()
	q.entries = append(q.entries, e)
	depth := len(q.entries)
	q.mu.Unlock()

	enqueuedTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("target", string(target.Kind))))
	q.logger.Debug("queue.enqueued",
		"type", msg.Type,
		"target", target.String(),
		"attempts", attempts,
		"depth", depth,
	)
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a snapshot of the queue in order.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, Entry{
			MessageType: e.msg.Type,
			Target:      e.target,
			Attempts:    e.attempts,
			EnqueuedAt:  e.enqueuedAt,
		})
	}
	return out
}

// DrainResult counts what happened to each entry in one pass.
type DrainResult struct {
	Delivered int
	Expired   int
	Exhausted int
	Deferred  int
	Failed    int
}

// DrainOnce makes one pass over the queue: expired and exhausted entries are
// dropped, entries for targets that are not ready stay untouched, and the
// rest get one delivery attempt.
func (q *Queue) DrainOnce(ctx context.Context) DrainResult {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	q.mu.Lock()
	pending := q.entries
	q.entries = nil
	q.mu.Unlock()

	var res DrainResult
	if len(pending) == 0 {
		return res
	}

	retained := make([]*entry, 0, len(pending))
	for _, e := range pending {
		age := domain.Since(q.clock, e.enqueuedAt)
		switch {
		case age > q.cfg.TTL:
			res.Expired++
			q.drop(ctx, e, "ttl", age)
			continue
		case e.attempts >= q.cfg.MaxAttempts:
			res.Exhausted++
			q.drop(ctx, e, "max_attempts", age)
			continue
		case !q.readiness.IsReady(e.target):
			res.Deferred++
			retained = append(retained, e)
			continue
		}

		resp, err := q.deliver(ctx, e)
		if err != nil {
			e.attempts++
			res.Failed++
			retriedTotal.Add(ctx, 1)
			q.logger.DebugContext(ctx, "queue.delivery_failed",
				"type", e.msg.Type,
				"target", e.target.String(),
				"attempts", e.attempts,
				"error", err,
			)
			retained = append(retained, e)
			continue
		}

		res.Delivered++
		deliveredTotal.Add(ctx, 1)
		if e.callback != nil {
			e.callback(resp)
		}
	}

	q.mu.Lock()
	q.entries = append(retained, q.entries...)
	q.mu.Unlock()

	return res
}

func (q *Queue) drop(ctx context.Context, e *entry, reason string, age time.Duration) {
	droppedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	q.logger.InfoContext(ctx, "queue.dropped",
		"reason", reason,
		"type", e.msg.Type,
		"target", e.target.String(),
		"attempts", e.attempts,
		"age", age,
	)
}

func (q *Queue) deliver(ctx context.Context, e *entry) (json.RawMessage, error) {
	if e.target.Kind == protocol.TargetAll {
		q.deliverAll(ctx, e.msg)
		return nil, nil
	}
	return q.send(ctx, e.target, e.msg)
}

// deliverAll sends to every tab and the popup. Per-recipient failures are
// logged and never make the entry fail.
func (q *Queue) deliverAll(ctx context.Context, msg *protocol.Message) {
	tabs, err := q.transport.Tabs(ctx)
	if err != nil {
		q.logger.WarnContext(ctx, "queue.list_tabs_failed", "error", err)
	}
	targets := make([]protocol.Target, 0, len(tabs)+1)
	for _, id := range tabs {
		targets = append(targets, protocol.Tab(id))
	}
	targets = append(targets, protocol.Popup)

	for _, t := range targets {
		if _, err := q.send(ctx, t, msg); err != nil {
			level := slog.LevelDebug
			if !errors.Is(err, domain.ErrNoReceiver) {
				level = slog.LevelWarn
			}
			q.logger.Log(ctx, level, "queue.broadcast_recipient_failed",
				"type", msg.Type,
				"target", t.String(),
				"error", err,
			)
		}
	}
}

func (q *Queue) send(ctx context.Context, target protocol.Target, msg *protocol.Message) (json.RawMessage, error) {
	var resp json.RawMessage
	err := domain.WithTimeout(ctx, q.cfg.DeliveryTimeout, func(ctx context.Context) error {
		var err error
		resp, err = q.transport.Send(ctx, target, msg)
		return err
	})
	return resp, err
}

// Run drains the queue every DrainInterval until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.cfg.DrainInterval)
	defer ticker.Stop()

	q.logger.Info("queue.started", "interval", q.cfg.DrainInterval, "ttl", q.cfg.TTL, "max_attempts", q.cfg.MaxAttempts)
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("queue.stopped", "pending", q.Len())
			return nil
		case <-ticker.C:
			res := q.DrainOnce(ctx)
			if res != (DrainResult{}) {
				q.logger.DebugContext(ctx, "queue.drained",
					"delivered", res.Delivered,
					"expired", res.Expired,
					"exhausted", res.Exhausted,
					"deferred", res.Deferred,
					"failed", res.Failed,
				)
			}
		}
	}
}
