package connhealth_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aelexs/captionsync/internal/connhealth"
	"github.com/aelexs/captionsync/internal/domain"
	"github.com/aelexs/captionsync/internal/domain/domaintest"
	"github.com/aelexs/captionsync/pkg/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testStart = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

// stubCache implements connhealth.CacheClearer.
type stubCache struct {
	mu      sync.Mutex
	clears  int
	clearFn func(ctx context.Context) error
}

func (s *stubCache) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.clears++
	s.mu.Unlock()
	if s.clearFn != nil {
		return s.clearFn(ctx)
	}
	return nil
}

// stubProber implements connhealth.Prober.
type stubProber struct {
	probeFn func(ctx context.Context) error
}

func (s *stubProber) Probe(ctx context.Context) error {
	if s.probeFn != nil {
		return s.probeFn(ctx)
	}
	return nil
}

// stubRefresher implements connhealth.AuthRefresher.
type stubRefresher struct {
	mu    sync.Mutex
	calls int
}

func (s *stubRefresher) RequestRefresh(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
}

type fixture struct {
	m      *connhealth.Monitor
	clock  *domaintest.FakeClock
	cache  *stubCache
	prober *stubProber

	mu          sync.Mutex
	broadcasts  []protocol.MessageType
	transitions []connhealth.State
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:  domaintest.NewFakeClock(testStart),
		cache:  &stubCache{},
		prober: &stubProber{},
	}
	broadcast := func(_ context.Context, msg *protocol.Message) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.broadcasts = append(f.broadcasts, msg.Type)
		return nil
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.m = connhealth.New(f.cache, f.prober, broadcast, f.clock, logger, connhealth.Config{})
	f.m.SetStateHook(func(_ context.Context, _, to connhealth.State, _ int) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.transitions = append(f.transitions, to)
	})
	return f
}

func (f *fixture) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.broadcasts)
}

func (f *fixture) entered(s connhealth.State) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, st := range f.transitions {
		if st == s {
			n++
		}
	}
	return n
}

func (f *fixture) errors(ctx context.Context, n int, step time.Duration) {
	for range n {
		f.m.Observe(ctx, domain.ErrTimeout)
		f.clock.Advance(step)
	}
}

func TestMonitor_RecoveryFiresOncePerCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.errors(ctx, 5, 10*time.Second)
	f.m.Wait()

	assert.Equal(t, 1, f.entered(connhealth.Recovering))
	assert.Equal(t, 1, f.broadcastCount())
	assert.Equal(t, []protocol.MessageType{protocol.TypeRefreshConnection}, f.broadcasts)
	assert.Equal(t, 1, f.cache.clears)
	assert.Equal(t, 0, f.m.Snapshot().ErrorCount, "successful recovery resets the score")
	assert.Equal(t, connhealth.Healthy, f.m.State())

	// Second burst inside the cooldown.
	f.errors(ctx, 5, time.Second)
	f.m.Wait()
	assert.Equal(t, 1, f.entered(connhealth.Recovering))
	assert.Equal(t, 1, f.broadcastCount())
	assert.Equal(t, connhealth.Degraded, f.m.State())

	// Cooldown elapses; the next error may trigger again.
	f.clock.Advance(domain.HealthRecoveryCooldown)
	f.m.Observe(ctx, domain.ErrUnavailable)
	f.m.Wait()
	assert.Equal(t, 2, f.entered(connhealth.Recovering))
	assert.Equal(t, 2, f.broadcastCount())
	assert.Equal(t, 2, f.m.Snapshot().Recoveries)
}

func TestMonitor_SuccessResetsScore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.errors(ctx, 4, time.Second)
	assert.Equal(t, 4, f.m.Snapshot().ErrorCount)

	f.m.Observe(ctx, nil)
	assert.Equal(t, 0, f.m.Snapshot().ErrorCount)

	f.m.Observe(ctx, domain.ErrOffline)
	assert.Equal(t, 1, f.m.Snapshot().ErrorCount)
	assert.Equal(t, 0, f.broadcastCount())
}

func TestMonitor_UnreachableKeepsScore(t *testing.T) {
	f := newFixture(t)
	f.prober.probeFn = func(context.Context) error { return domain.ErrOffline }
	ctx := context.Background()

	f.errors(ctx, 5, time.Second)
	f.m.Wait()

	assert.Equal(t, 1, f.entered(connhealth.Recovering))
	assert.Equal(t, 0, f.broadcastCount())
	assert.Equal(t, 5, f.m.Snapshot().ErrorCount)
	assert.Equal(t, connhealth.Degraded, f.m.State())

	f.m.Observe(ctx, domain.ErrTimeout)
	f.m.Wait()
	assert.Equal(t, 1, f.entered(connhealth.Recovering), "still inside cooldown")

	f.prober.probeFn = nil
	f.clock.Advance(domain.HealthRecoveryCooldown)
	f.m.Observe(ctx, domain.ErrTimeout)
	f.m.Wait()
	assert.Equal(t, 2, f.entered(connhealth.Recovering))
	assert.Equal(t, 1, f.broadcastCount())
}

func TestMonitor_CacheClearFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t)
	f.cache.clearFn = func(context.Context) error { return errors.New("redis down") }

	f.errors(context.Background(), 5, time.Second)
	f.m.Wait()
	assert.Equal(t, 1, f.broadcastCount())
}

func TestMonitor_AuthErrorsGoToRefresher(t *testing.T) {
	f := newFixture(t)
	refresher := &stubRefresher{}
	f.m.SetAuthRefresher(refresher)
	ctx := context.Background()

	for range 10 {
		f.m.Observe(ctx, domain.ErrPermissionDenied)
	}
	f.m.Observe(ctx, errors.New("firestore: unauthenticated"))

	snap := f.m.Snapshot()
	assert.Equal(t, 0, snap.ErrorCount)
	assert.Equal(t, 11, snap.AuthErrorCount)
	assert.Equal(t, 11, refresher.calls)
	assert.Equal(t, 0, f.broadcastCount())
}

func TestMonitor_UnclassifiedErrorIgnored(t *testing.T) {
	f := newFixture(t)
	f.m.Observe(context.Background(), domain.ErrNotFound)
	assert.Equal(t, 0, f.m.Snapshot().ErrorCount)
}

func TestMonitor_QuietReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.errors(ctx, 3, time.Second)
	assert.False(t, f.m.ResetIfQuiet(ctx))

	f.clock.Advance(domain.HealthQuietReset)
	assert.True(t, f.m.ResetIfQuiet(ctx))
	assert.Equal(t, 0, f.m.Snapshot().ErrorCount)
	assert.False(t, f.m.ResetIfQuiet(ctx))
}

func TestMonitor_ConcurrentErrorsStartOneRecovery(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.prober.probeFn = func(context.Context) error {
		<-release
		return nil
	}

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.m.Observe(context.Background(), domain.ErrConnectionRefused)
		}()
	}
	wg.Wait()
	require.Equal(t, connhealth.Recovering, f.m.State())

	close(release)
	f.m.Wait()
	assert.Equal(t, 1, f.entered(connhealth.Recovering))
	assert.Equal(t, 1, f.broadcastCount())
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.m.Run(ctx) }()
	cancel()
	require.NoError(t, <-errCh)
}

func TestMonitor_NoRecoveryAfterShutdown(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.m.Run(ctx) }()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.m.Observe(context.Background(), domain.ErrConnectionRefused)
		}()
	}
	cancel()
	require.NoError(t, <-errCh)
	wg.Wait()
	f.m.Wait()

	// Errors after shutdown still count but never start a recovery.
	before := f.m.Snapshot().Recoveries
	f.errors(context.Background(), 10, time.Hour)
	f.m.Wait()
	assert.Equal(t, before, f.m.Snapshot().Recoveries)
	assert.Equal(t, connhealth.Degraded, f.m.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "healthy", connhealth.Healthy.String())
	assert.Equal(t, "degraded", connhealth.Degraded.String())
	assert.Equal(t, "recovering", connhealth.Recovering.String())
}
