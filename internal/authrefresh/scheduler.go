// Package authrefresh keeps the backend session token fresh and detects a
// session that can no longer be recovered.
package authrefresh

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
	"github.com/aelexs/captionsync/internal/observability"
	"github.com/aelexs/captionsync/pkg/protocol"
)

var tracer = otel.Tracer("authrefresh")

var (
	refreshTotal      metric.Int64Counter
	stuckClearedTotal metric.Int64Counter
)

func init() {
	m := otel.Meter("authrefresh")

	refreshTotal, _ = m.Int64Counter("auth_refresh_total",
		metric.WithDescription("Token refresh attempts, by outcome"))
	stuckClearedTotal, _ = m.Int64Counter("auth_refresh_stuck_cleared_total",
		metric.WithDescription("In-flight refreshes cleared after the stuck threshold"))
}

// Backend is the auth collaborator.
type Backend interface {
	// ForceRefreshToken exchanges the held refresh token for a new ID token.
	ForceRefreshToken(ctx context.Context) error
	// CurrentUser verifies the live session. It returns ErrUnauthenticated
	// when there is none.
	CurrentUser(ctx context.Context) (*protocol.User, error)
}

// StateStore holds the locally cached auth state.
type StateStore interface {
	AuthState(ctx context.Context) (protocol.AuthState, error)
	SetAuthState(ctx context.Context, state protocol.AuthState) error
}

// NotifyFunc announces a new auth state to every surface.
type NotifyFunc func(ctx context.Context, state protocol.AuthState)

// ErrorObserver receives backend call outcomes.
type ErrorObserver interface {
	Observe(ctx context.Context, err error)
}

// Outcome describes what one Tick did.
type Outcome string

const (
	OutcomeRefreshed  Outcome = "refreshed"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeVerified   Outcome = "verified"
	OutcomeUnverified Outcome = "unverified"
	OutcomeSignedOut  Outcome = "signed_out"
	OutcomeNoSession  Outcome = "no_session"
)

// Config holds the scheduler timings.
type Config struct {
	Interval     time.Duration
	StartupDelay time.Duration
	StuckAfter   time.Duration
	CallTimeout  time.Duration
}

// DefaultConfig returns the compiled defaults.
func DefaultConfig() Config {
	return Config{
		Interval:     domain.AuthRefreshInterval,
		StartupDelay: domain.AuthStartupDelay,
		StuckAfter:   domain.AuthStuckAfter,
		CallTimeout:  domain.BackendCallTimeout,
	}
}

// Status is a point-in-time copy of the scheduler.
type Status struct {
	InFlight      bool      `json:"inFlight"`
	InFlightSince time.Time `json:"inFlightSince"`
	LastRefreshAt time.Time `json:"lastRefreshAt"`
	LastOutcome   Outcome   `json:"lastOutcome"`
}

// Scheduler allows at most one refresh in flight. A refresh in flight for
// longer than StuckAfter is abandoned so the next tick can proceed.
type Scheduler struct {
	mu            sync.Mutex
	inFlight      bool
	inFlightSince time.Time
	generation    uint64
	lastRefreshAt time.Time
	lastOutcome   Outcome

	backend  Backend
	store    StateStore
	notify   NotifyFunc
	observer ErrorObserver

	clock  domain.Clock
	logger *slog.Logger
	cfg    Config

	wg sync.WaitGroup
}

// New creates a Scheduler. observer may be nil. Zero fields in cfg take
// their defaults.
func New(backend Backend, store StateStore, notify NotifyFunc, observer ErrorObserver, clock domain.Clock, logger *slog.Logger, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.StartupDelay <= 0 {
		cfg.StartupDelay = def.StartupDelay
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = def.StuckAfter
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	return &Scheduler{
		backend:  backend,
		store:    store,
		notify:   notify,
		observer: observer,
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
	}
}

// Snapshot returns a copy of the scheduler state.
func (s *Scheduler) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		InFlight:      s.inFlight,
		InFlightSince: s.inFlightSince,
		LastRefreshAt: s.lastRefreshAt,
		LastOutcome:   s.lastOutcome,
	}
}

// begin claims the in-flight slot. It returns the claim's generation, or
// false when a fresh refresh already holds it.
func (s *Scheduler) begin(ctx context.Context) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if s.inFlight {
		age := now.Sub(s.inFlightSince)
		if age < s.cfg.StuckAfter {
			return 0, false
		}
		stuckClearedTotal.Add(ctx, 1)
		s.logger.WarnContext(ctx, "authrefresh.stuck_cleared", "age", age)
	}
	s.inFlight = true
	s.inFlightSince = now
	s.generation++
	return s.generation, true
}

func (s *Scheduler) end(gen uint64, refreshed bool, outcome Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A stale call that finishes after being declared stuck must not clear a
	// newer claim.
	if gen == s.generation {
		s.inFlight = false
	}
	if refreshed {
		s.lastRefreshAt = s.clock.Now()
	}
	s.lastOutcome = outcome
}

// Tick runs one refresh attempt unless another is already in flight.
func (s *Scheduler) Tick(ctx context.Context) Outcome {
	gen, ok := s.begin(ctx)
	if !ok {
		s.logger.DebugContext(ctx, "authrefresh.skipped_in_flight")
		return OutcomeSkipped
	}

	ctx, span := tracer.Start(ctx, "authrefresh.tick")
	defer span.End()
	logger := observability.WithTraceID(ctx, s.logger)

	outcome := s.refresh(ctx, logger)
	s.end(gen, outcome == OutcomeRefreshed, outcome)

	span.SetAttributes(attribute.String("outcome", string(outcome)))
	if outcome == OutcomeSignedOut || outcome == OutcomeUnverified {
		span.SetStatus(codes.Error, string(outcome))
	}
	refreshTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
	return outcome
}

func (s *Scheduler) refresh(ctx context.Context, logger *slog.Logger) Outcome {
	err := domain.WithTimeout(ctx, s.cfg.CallTimeout, s.backend.ForceRefreshToken)
	s.observe(ctx, err)
	if err == nil {
		logger.InfoContext(ctx, "authrefresh.refreshed")
		return OutcomeRefreshed
	}

	state, lerr := s.store.AuthState(ctx)
	if lerr != nil {
		logger.WarnContext(ctx, "authrefresh.load_state_failed", "error", lerr)
	}
	if !state.IsAuthenticated {
		logger.DebugContext(ctx, "authrefresh.no_session", "error", err)
		return OutcomeNoSession
	}
	logger.WarnContext(ctx, "authrefresh.refresh_failed", "error", err)

	var user *protocol.User
	verr := domain.WithTimeout(ctx, s.cfg.CallTimeout, func(ctx context.Context) error {
		var err error
		user, err = s.backend.CurrentUser(ctx)
		return err
	})
	s.observe(ctx, verr)
	switch {
	case verr == nil && user != nil:
		logger.InfoContext(ctx, "authrefresh.session_verified", "uid", user.UID)
		return OutcomeVerified
	case verr != nil && domain.IsNetworkError(verr):
		// Offline says nothing about the session; keep it and let the
		// health monitor deal with connectivity.
		logger.WarnContext(ctx, "authrefresh.verify_unreachable", "error", verr)
		return OutcomeUnverified
	}

	logger.WarnContext(ctx, "authrefresh.session_lost", "error", verr)
	signedOut := protocol.AuthState{IsAuthenticated: false, User: nil}
	if err := s.store.SetAuthState(ctx, signedOut); err != nil {
		logger.ErrorContext(ctx, "authrefresh.save_state_failed", "error", err)
	}
	if s.notify != nil {
		s.notify(ctx, signedOut)
	}
	return OutcomeSignedOut
}

// observe forwards network outcomes only. Auth errors would route straight
// back here through the monitor.
func (s *Scheduler) observe(ctx context.Context, err error) {
	if s.observer == nil {
		return
	}
	if err == nil || domain.IsNetworkError(err) {
		s.observer.Observe(ctx, err)
	}
}

// RequestRefresh starts a refresh in the background and returns at once.
// The refresh outlives ctx's cancellation.
func (s *Scheduler) RequestRefresh(ctx context.Context) {
	s.spawn(context.WithoutCancel(ctx))
}

func (s *Scheduler) spawn(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Tick(ctx)
	}()
}

// Run refreshes once after StartupDelay and then every Interval until ctx
// is cancelled. Each tick runs on its own goroutine so a hung call cannot
// stall the schedule.
func (s *Scheduler) Run(ctx context.Context) error {
	startup := time.NewTimer(s.cfg.StartupDelay)
	defer startup.Stop()

	select {
	case <-ctx.Done():
		s.Wait()
		return nil
	case <-startup.C:
		s.spawn(ctx)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Wait()
			return nil
		case <-ticker.C:
			s.spawn(ctx)
		}
	}
}

// Wait blocks until every spawned refresh has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
