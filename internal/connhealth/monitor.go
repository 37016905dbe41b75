// Package connhealth watches backend call outcomes and runs a bounded
// recovery when network errors pile up.
//
// Network errors raise an error score. Once the score reaches the threshold
// and the cooldown since the last attempt has passed, the monitor clears
// cached backend data, probes reachability, and, if the network is up, tells
// every surface to reinitialise its backend connection. Auth errors never
// touch the score; they are handed to the auth refresher instead.
package connhealth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/aelexs/captionsync/internal/domain"
	"github.com/aelexs/captionsync/pkg/protocol"
)

var tracer = otel.Tracer("connhealth")

var (
	networkErrorsTotal metric.Int64Counter
	authErrorsTotal    metric.Int64Counter
	recoveriesTotal    metric.Int64Counter
)

func init() {
	m := otel.Meter("connhealth")

	networkErrorsTotal, _ = m.Int64Counter("connhealth_network_errors_total",
		metric.WithDescription("Backend calls that failed with a network error"))
	authErrorsTotal, _ = m.Int64Counter("connhealth_auth_errors_total",
		metric.WithDescription("Backend calls that failed with an auth error"))
	recoveriesTotal, _ = m.Int64Counter("connhealth_recoveries_total",
		metric.WithDescription("Recovery attempts, by result"))
}

// State is the monitor's position in its state machine.
type State int

const (
	Healthy State = iota
	Degraded
	Recovering
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Recovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// CacheClearer drops locally cached backend data.
type CacheClearer interface {
	Clear(ctx context.Context) error
}

// Prober checks live internet reachability. A nil error means reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// BroadcastFunc sends a message to every surface.
type BroadcastFunc func(ctx context.Context, msg *protocol.Message) error

// AuthRefresher is notified of auth errors. RequestRefresh must not block.
type AuthRefresher interface {
	RequestRefresh(ctx context.Context)
}

// StateChangeFunc is called after every state transition, outside the lock.
type StateChangeFunc func(ctx context.Context, from, to State, errorCount int)

// Config holds the monitor thresholds.
type Config struct {
	ErrorThreshold   int
	RecoveryCooldown time.Duration
	QuietReset       time.Duration
	CheckInterval    time.Duration
	ProbeTimeout     time.Duration
}

// DefaultConfig returns the compiled defaults.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:   domain.HealthErrorThreshold,
		RecoveryCooldown: domain.HealthRecoveryCooldown,
		QuietReset:       domain.HealthQuietReset,
		CheckInterval:    domain.HealthCheckInterval,
		ProbeTimeout:     domain.ReachabilityTimeout,
	}
}

// Status is a point-in-time copy of the monitor.
type Status struct {
	State          State
	ErrorCount     int
	AuthErrorCount int
	LastErrorAt    time.Time
	LastRecoveryAt time.Time
	Recoveries     int
}

// Monitor is safe for concurrent use.
type Monitor struct {
	mu             sync.Mutex
	errorCount     int
	authErrorCount int
	lastErrorAt    time.Time
	lastRecoveryAt time.Time
	recovering     bool
	recoveries     int
	// stopped is set once Run begins shutdown; no recovery starts after it.
	stopped bool

	cache     CacheClearer
	prober    Prober
	broadcast BroadcastFunc
	refresher AuthRefresher
	onChange  StateChangeFunc

	clock  domain.Clock
	logger *slog.Logger
	cfg    Config

	wg sync.WaitGroup
}

// New creates a Monitor in the Healthy state. Zero fields in cfg take their
// defaults.
func New(cache CacheClearer, prober Prober, broadcast BroadcastFunc, clock domain.Clock, logger *slog.Logger, cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = def.ErrorThreshold
	}
	if cfg.RecoveryCooldown <= 0 {
		cfg.RecoveryCooldown = def.RecoveryCooldown
	}
	if cfg.QuietReset <= 0 {
		cfg.QuietReset = def.QuietReset
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	return &Monitor{
		cache:     cache,
		prober:    prober,
		broadcast: broadcast,
		clock:     clock,
		logger:    logger,
		cfg:       cfg,
	}
}

// SetAuthRefresher wires the auth refresh path after construction, since the
// refresher also reports its own failures back to the monitor.
func (m *Monitor) SetAuthRefresher(r AuthRefresher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresher = r
}

// SetStateHook registers fn to run after every state transition.
func (m *Monitor) SetStateHook(fn StateChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// stateLocked derives the current state. Caller holds m.mu.
func (m *Monitor) stateLocked() State {
	switch {
	case m.recovering:
		return Recovering
	case m.errorCount >= m.cfg.ErrorThreshold:
		return Degraded
	default:
		return Healthy
	}
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

// Snapshot returns a copy of the monitor's counters.
func (m *Monitor) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:          m.stateLocked(),
		ErrorCount:     m.errorCount,
		AuthErrorCount: m.authErrorCount,
		LastErrorAt:    m.lastErrorAt,
		LastRecoveryAt: m.lastRecoveryAt,
		Recoveries:     m.recoveries,
	}
}

// Observe classifies the outcome of a backend call. Errors that are neither
// network nor auth errors are ignored.
func (m *Monitor) Observe(ctx context.Context, err error) {
	switch {
	case err == nil:
		m.RecordSuccess(ctx)
	case domain.IsAuthError(err):
		m.RecordAuthError(ctx, err)
	case domain.IsNetworkError(err):
		m.RecordError(ctx, err)
	}
}

// RecordSuccess resets the error score.
func (m *Monitor) RecordSuccess(ctx context.Context) {
	m.mu.Lock()
	if m.errorCount == 0 {
		m.mu.Unlock()
		return
	}
	from := m.stateLocked()
	m.errorCount = 0
	to, hook := m.stateLocked(), m.onChange
	m.mu.Unlock()

	m.notify(ctx, hook, from, to, 0)
}

// RecordAuthError counts an auth failure and hands it to the refresher.
func (m *Monitor) RecordAuthError(ctx context.Context, err error) {
	m.mu.Lock()
	m.authErrorCount++
	refresher := m.refresher
	m.mu.Unlock()

	authErrorsTotal.Add(ctx, 1)
	m.logger.WarnContext(ctx, "connhealth.auth_error", "error", err)
	if refresher != nil {
		refresher.RequestRefresh(ctx)
	}
}

// RecordError counts a network failure and starts recovery when the
// threshold is reached and the cooldown allows it.
func (m *Monitor) RecordError(ctx context.Context, err error) {
	now := m.clock.Now()

	m.mu.Lock()
	from := m.stateLocked()
	m.errorCount++
	m.lastErrorAt = now
	count := m.errorCount

	start := !m.stopped && !m.recovering &&
		m.errorCount >= m.cfg.ErrorThreshold &&
		(m.lastRecoveryAt.IsZero() || now.Sub(m.lastRecoveryAt) >= m.cfg.RecoveryCooldown)
	if start {
		m.recovering = true
		m.lastRecoveryAt = now
		m.recoveries++
		m.wg.Add(1)
	}
	to, hook := m.stateLocked(), m.onChange
	m.mu.Unlock()

	networkErrorsTotal.Add(ctx, 1)
	m.logger.DebugContext(ctx, "connhealth.network_error", "error_count", count, "error", err)
	m.notify(ctx, hook, from, to, count)

	if start {
		// Recovery outlives the call that tripped it.
		go m.recover(context.WithoutCancel(ctx))
	}
}

// recover runs the recovery procedure. Failures are logged and never
// propagate.
func (m *Monitor) recover(ctx context.Context) {
	defer m.wg.Done()

	ctx, span := tracer.Start(ctx, "connhealth.recover")
	defer span.End()

	m.logger.InfoContext(ctx, "connhealth.recovery_started")

	if err := m.cache.Clear(ctx); err != nil {
		span.RecordError(err)
		m.logger.WarnContext(ctx, "connhealth.cache_clear_failed", "error", err)
	}

	probeErr := domain.WithTimeout(ctx, m.cfg.ProbeTimeout, m.prober.Probe)
	if probeErr != nil {
		span.RecordError(probeErr)
		span.SetStatus(codes.Error, "unreachable")
		recoveriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "unreachable")))
		m.logger.WarnContext(ctx, "connhealth.recovery_aborted", "reason", "unreachable", "error", probeErr)
		m.finishRecovery(ctx, false)
		return
	}

	if err := m.broadcast(ctx, &protocol.Message{Type: protocol.TypeRefreshConnection, Source: protocol.SourceBackground}); err != nil {
		span.RecordError(err)
		m.logger.WarnContext(ctx, "connhealth.refresh_broadcast_failed", "error", err)
	}
	recoveriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "refreshed")))
	m.logger.InfoContext(ctx, "connhealth.recovery_completed")
	m.finishRecovery(ctx, true)
}

func (m *Monitor) finishRecovery(ctx context.Context, reset bool) {
	m.mu.Lock()
	m.recovering = false
	if reset {
		m.errorCount = 0
	}
	to, count, hook := m.stateLocked(), m.errorCount, m.onChange
	m.mu.Unlock()

	m.notify(ctx, hook, Recovering, to, count)
}

// ResetIfQuiet zeroes the score when no error has arrived for QuietReset.
func (m *Monitor) ResetIfQuiet(ctx context.Context) bool {
	m.mu.Lock()
	if m.errorCount == 0 || m.recovering || domain.Since(m.clock, m.lastErrorAt) < m.cfg.QuietReset {
		m.mu.Unlock()
		return false
	}
	from := m.stateLocked()
	stale := m.errorCount
	m.errorCount = 0
	to, hook := m.stateLocked(), m.onChange
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "connhealth.quiet_reset", "cleared", stale)
	m.notify(ctx, hook, from, to, 0)
	return true
}

// Run checks for a quiet reset every CheckInterval until ctx is cancelled,
// then waits for any recovery in progress.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.stopped = true
			m.mu.Unlock()
			m.Wait()
			return nil
		case <-ticker.C:
			m.ResetIfQuiet(ctx)
		}
	}
}

// Wait blocks until any recovery in progress has finished.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

func (m *Monitor) notify(ctx context.Context, hook StateChangeFunc, from, to State, count int) {
	if from == to {
		return
	}
	m.logger.InfoContext(ctx, "connhealth.state_changed", "from", from.String(), "to", to.String(), "error_count", count)
	if hook != nil {
		hook(ctx, from, to, count)
	}
}
