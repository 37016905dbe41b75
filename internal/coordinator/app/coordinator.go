// Package app is the coordinator: it owns the readiness tracker, message
// router, delivery queue, broadcast dispatcher, connection health monitor,
// and auth-refresh scheduler, and registers the handlers for every message
// kind the surfaces send.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/aelexs/captionsync/internal/authrefresh"
	"github.com/aelexs/captionsync/internal/broadcast"
	"github.com/aelexs/captionsync/internal/connhealth"
	"github.com/aelexs/captionsync/internal/domain"
	"github.com/aelexs/captionsync/internal/observability"
	"github.com/aelexs/captionsync/internal/queue"
	"github.com/aelexs/captionsync/internal/readiness"
	"github.com/aelexs/captionsync/internal/router"
	"github.com/aelexs/captionsync/pkg/protocol"
)

var tracer = otel.Tracer("coordinator/app")

var (
	backendCallsTotal metric.Int64Counter
	directSendsTotal  metric.Int64Counter
	staleReadsTotal   metric.Int64Counter
)

func init() {
	m := otel.Meter("coordinator/app")

	backendCallsTotal, _ = m.Int64Counter("coordinator_backend_calls_total",
		metric.WithDescription("Backend calls, by operation and result"))
	directSendsTotal, _ = m.Int64Counter("coordinator_direct_sends_total",
		metric.WithDescription("Targeted sends, by outcome"))
	staleReadsTotal, _ = m.Int64Counter("coordinator_stale_reads_total",
		metric.WithDescription("Reads served from the local cache after a backend failure"))
}

// Config holds the coordinator's dependencies and tuning.
type Config struct {
	Transport Transport
	Cache     Cache
	Documents DocumentStore
	Chat      ChatModel
	Auth      AuthBackend
	Prober    connhealth.Prober

	Queue          queue.Config
	Health         connhealth.Config
	Refresh        authrefresh.Config
	HandlerTimeout time.Duration
	CallTimeout    time.Duration

	// OnHealthChange, when set, runs after the CONNECTION_STATUS broadcast
	// on every health state transition.
	OnHealthChange connhealth.StateChangeFunc

	Clock  domain.Clock
	Logger *slog.Logger
}

// Coordinator is the single owner of all cross-surface coordination state.
type Coordinator struct {
	transport Transport
	cache     Cache
	docs      DocumentStore
	chat      ChatModel
	auth      AuthBackend

	tracker    *readiness.Tracker
	router     *router.Router
	queue      *queue.Queue
	dispatcher *broadcast.Dispatcher
	monitor    *connhealth.Monitor
	refresher  *authrefresh.Scheduler

	authMu    sync.RWMutex
	authState protocol.AuthState

	// wordsMu serializes read-modify-write of cached word collections.
	wordsMu sync.Mutex

	onHealthChange connhealth.StateChangeFunc
	callTimeout    time.Duration
	startTime      time.Time
	initialized    atomic.Bool

	clock  domain.Clock
	logger *slog.Logger
}

// New builds the coordinator and registers every handler. Call Run to start
// the background loops.
func New(cfg Config) *Coordinator {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = domain.BackendCallTimeout
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = domain.HandlerTimeout
	}

	c := &Coordinator{
		transport:      cfg.Transport,
		cache:          cfg.Cache,
		docs:           cfg.Documents,
		chat:           cfg.Chat,
		auth:           cfg.Auth,
		tracker:        readiness.NewTracker(),
		onHealthChange: cfg.OnHealthChange,
		callTimeout:    cfg.CallTimeout,
		startTime:      cfg.Clock.Now(),
		clock:          cfg.Clock,
		logger:         cfg.Logger,
	}

	// The coordinator itself is always ready.
	c.tracker.MarkReady(readiness.Background, true)

	c.router = router.New(cfg.Logger, router.WithHandlerTimeout(cfg.HandlerTimeout))
	c.queue = queue.New(cfg.Transport, c.tracker, cfg.Clock, cfg.Logger, cfg.Queue)
	c.dispatcher = broadcast.New(cfg.Transport, c.queue, c.tracker, cfg.Clock, cfg.Logger)
	c.monitor = connhealth.New(docCacheClearer{c.cache}, cfg.Prober, c.broadcast, cfg.Clock, cfg.Logger, cfg.Health)
	c.refresher = authrefresh.New(cfg.Auth, c, c.announceAuthState, c.monitor, cfg.Clock, cfg.Logger, cfg.Refresh)

	// Monitor and scheduler reference each other; the setter closes the loop.
	c.monitor.SetAuthRefresher(c.refresher)
	c.monitor.SetStateHook(c.healthChanged)

	c.registerHandlers()
	return c
}

func (c *Coordinator) registerHandlers() {
	c.router.Register(protocol.TypeReadyCheck, c.handleReadyCheck)
	c.router.Register(protocol.TypeGetServiceStatus, c.handleGetServiceStatus)
	c.router.Register(protocol.TypeRefreshConnection, c.handleRefreshConnection)

	c.router.Register(protocol.TypeGetAuthState, c.handleGetAuthState)
	c.router.Register(protocol.TypeSignIn, c.handleSignIn)
	c.router.Register(protocol.TypeSignOut, c.handleSignOut)
	c.router.Register(protocol.TypeAuthStateChanged, c.handleAuthStateChanged)

	c.router.Register(protocol.TypeWordClicked, c.handleWordClicked)
	c.router.Register(protocol.TypeSaveWord, c.handleSaveWord)
	c.router.Register(protocol.TypeGetWords, c.handleGetWords)
	c.router.Register(protocol.TypeDeleteWord, c.handleDeleteWord)

	c.router.Register(protocol.TypeGenerateAnswer, c.handleGenerateAnswer)
}

// Run restores the cached auth state and runs the queue drain, health
// check, and auth refresh loops until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	c.restoreAuthState(ctx)
	c.initialized.Store(true)
	c.logger.InfoContext(ctx, "coordinator.started", "handlers", c.router.HandlerCount())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.queue.Run(ctx) })
	g.Go(func() error { return c.monitor.Run(ctx) })
	g.Go(func() error { return c.refresher.Run(ctx) })
	err := g.Wait()

	c.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Wait blocks until recovery and refresh goroutines have finished.
func (c *Coordinator) Wait() {
	c.monitor.Wait()
	c.refresher.Wait()
}

// Handle routes one inbound message from a surface. respond receives the
// handler's reply, if any.
func (c *Coordinator) Handle(ctx context.Context, from protocol.Target, msg *protocol.Message, respond router.ResponseFunc) {
	c.router.Dispatch(ctx, &router.Request{Message: msg, From: from}, respond)
}

// Call routes msg as if sent by from and returns the reply, if any.
func (c *Coordinator) Call(ctx context.Context, from protocol.Target, msg *protocol.Message) (any, bool) {
	return c.router.Call(ctx, &router.Request{Message: msg, From: from})
}

// Disconnected marks a surface not-ready after its connection closes, so
// later sends to it are queued until it announces itself again.
func (c *Coordinator) Disconnected(target protocol.Target) {
	c.tracker.Mark(target, false)
}

// Broadcast stamps msg and sends it to every surface.
func (c *Coordinator) Broadcast(ctx context.Context, msg *protocol.Message) (broadcast.Result, error) {
	return c.dispatcher.Broadcast(ctx, msg)
}

func (c *Coordinator) broadcast(ctx context.Context, msg *protocol.Message) error {
	_, err := c.dispatcher.Broadcast(ctx, msg)
	return err
}

// Delivery describes the outcome of a targeted send.
type Delivery struct {
	MessageID string          `json:"messageId"`
	Delivered bool            `json:"delivered"`
	Queued    bool            `json:"queued"`
	Reply     json.RawMessage `json:"reply,omitempty"`
}

// Deliver sends msg to target. A target that has not announced itself, or
// whose send fails, gets the message through the delivery queue instead.
// The all target is a broadcast.
func (c *Coordinator) Deliver(ctx context.Context, target protocol.Target, msg *protocol.Message) (Delivery, error) {
	if target.Kind == protocol.TargetAll {
		res, err := c.dispatcher.Broadcast(ctx, msg)
		if err != nil {
			return Delivery{}, err
		}
		return Delivery{MessageID: res.MessageID, Delivered: res.Delivered > 0 || res.PopupSent, Queued: res.PopupQueued}, nil
	}
	if target.Kind == protocol.TargetBackground {
		return Delivery{}, fmt.Errorf("%w: background is not a delivery target", domain.ErrInvalidInput)
	}

	out := msg.Clone()
	out.ID = domain.NewMessageID()
	out.Timestamp = domain.NowUTCMillis(c.clock)
	if out.Source == "" {
		out.Source = protocol.SourceBackground
	}
	logger := observability.WithTraceID(ctx, c.logger).With("type", out.Type, "target", target.String(), "message_id", out.ID)

	if !c.tracker.IsReady(target) {
		c.queue.Enqueue(out, target, nil)
		directSendsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "queued_not_ready")))
		logger.DebugContext(ctx, "coordinator.send_queued")
		return Delivery{MessageID: out.ID, Queued: true}, nil
	}

	var reply json.RawMessage
	err := domain.WithTimeout(ctx, domain.DeliveryTimeout, func(ctx context.Context) error {
		var sendErr error
		reply, sendErr = c.transport.Send(ctx, target, out)
		return sendErr
	})
	if err != nil {
		c.queue.EnqueueFailed(out, target, nil)
		directSendsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "queued_failed")))
		logger.WarnContext(ctx, "coordinator.send_failed", "error", err)
		return Delivery{MessageID: out.ID, Queued: true}, nil
	}
	directSendsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "delivered")))
	return Delivery{MessageID: out.ID, Delivered: true, Reply: reply}, nil
}

// call runs one document-store or auth backend operation under the call
// timeout and reports the outcome to the connection health monitor.
func (c *Coordinator) call(ctx context.Context, op string, fn func(context.Context) error) error {
	return c.invoke(ctx, op, true, fn)
}

// callExternal runs an operation against a service outside the backend
// connection. Its outcome never moves the health score.
func (c *Coordinator) callExternal(ctx context.Context, op string, fn func(context.Context) error) error {
	return c.invoke(ctx, op, false, fn)
}

func (c *Coordinator) invoke(ctx context.Context, op string, observe bool, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, "coordinator."+op)
	defer span.End()

	err := domain.WithTimeout(ctx, c.callTimeout, fn)
	if observe {
		c.monitor.Observe(ctx, err)
	}

	result := "ok"
	switch {
	case err == nil:
	case domain.IsNetworkError(err):
		result = "network_error"
	case domain.IsAuthError(err):
		result = "auth_error"
	default:
		result = "error"
	}
	backendCallsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op), attribute.String("result", result)))

	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (c *Coordinator) healthChanged(ctx context.Context, from, to connhealth.State, errorCount int) {
	c.logger.InfoContext(ctx, "coordinator.connection_state",
		"from", from.String(), "to", to.String(), "error_count", errorCount)

	msg := protocol.MustMessage(protocol.TypeConnectionStatus, protocol.ConnectionStatus{
		State:      to.String(),
		ErrorCount: errorCount,
	})
	msg.Source = protocol.SourceBackground
	if err := c.broadcast(ctx, msg); err != nil {
		c.logger.WarnContext(ctx, "coordinator.connection_status_failed", "error", err)
	}
	if c.onHealthChange != nil {
		c.onHealthChange(ctx, from, to, errorCount)
	}
}

// Status is the operator view of the coordinator.
type Status struct {
	Service   protocol.ServiceStatus `json:"service"`
	Readiness readiness.State        `json:"readiness"`
	Health    HealthStatus           `json:"health"`
	Queue     []queue.Entry          `json:"queue"`
	Refresh   authrefresh.Status     `json:"refresh"`
}

// HealthStatus is the JSON form of the monitor snapshot.
type HealthStatus struct {
	State          string    `json:"state"`
	ErrorCount     int       `json:"errorCount"`
	AuthErrorCount int       `json:"authErrorCount"`
	LastErrorAt    time.Time `json:"lastErrorAt"`
	LastRecoveryAt time.Time `json:"lastRecoveryAt"`
	Recoveries     int       `json:"recoveries"`
}

// Status returns a point-in-time view of every component.
func (c *Coordinator) Status() Status {
	h := c.monitor.Snapshot()
	return Status{
		Service:   c.serviceStatus(),
		Readiness: c.tracker.Snapshot(),
		Health: HealthStatus{
			State:          h.State.String(),
			ErrorCount:     h.ErrorCount,
			AuthErrorCount: h.AuthErrorCount,
			LastErrorAt:    h.LastErrorAt,
			LastRecoveryAt: h.LastRecoveryAt,
			Recoveries:     h.Recoveries,
		},
		Queue:   c.queue.Entries(),
		Refresh: c.refresher.Snapshot(),
	}
}

func (c *Coordinator) serviceStatus() protocol.ServiceStatus {
	return protocol.ServiceStatus{
		IsInitialized:       c.initialized.Load(),
		StartTime:           c.startTime.UnixMilli(),
		ErrorCount:          c.monitor.Snapshot().ErrorCount,
		Uptime:              domain.Since(c.clock, c.startTime).Milliseconds(),
		HandlerCount:        c.router.HandlerCount(),
		IsUserAuthenticated: c.currentAuthState().IsAuthenticated,
	}
}

// docCacheClearer drops cached backend documents during recovery. The
// auth snapshot survives, since it is local state rather than backend data.
type docCacheClearer struct {
	cache Cache
}

func (d docCacheClearer) Clear(ctx context.Context) error {
	return d.cache.DeletePrefix(ctx, docsKeyPrefix)
}
