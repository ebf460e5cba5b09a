package tokenrefresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/viralforge/authcore/internal/adapters/memory"
	"github.com/viralforge/authcore/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

type holder struct {
	mu      sync.Mutex
	session domain.AuthSession
}

func (h *holder) Session(context.Context) (domain.AuthSession, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session, nil
}

func (h *holder) UpdateSession(_ context.Context, s domain.AuthSession) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.session = s
	return nil
}

type refresher struct {
	clock   *fakeClock
	calls   atomic.Int32
	fail    atomic.Bool
	reuse   bool
	release chan struct{}
}

func (r *refresher) RefreshToken(_ context.Context, s domain.AuthSession) (domain.AuthSession, error) {
	r.calls.Add(1)
	if r.release != nil {
		<-r.release
	}
	if r.fail.Load() {
		return domain.AuthSession{}, domain.NewAuthError(domain.ErrorNetwork, "idp unreachable")
	}
	if r.reuse {
		return s, nil
	}
	s.Token.AccessToken = s.Token.AccessToken + "+"
	s.Token.ExpiresAt = r.clock.Now().Add(time.Hour)
	return s, nil
}

func sessionExpiringIn(clock *fakeClock, d time.Duration) domain.AuthSession {
	return domain.AuthSession{
		ID:    "s1",
		User:  domain.AuthUser{ID: "u1"},
		Token: domain.AuthToken{AccessToken: "at", RefreshToken: "rt", TokenType: "Bearer", ExpiresAt: clock.Now().Add(d)},
	}
}

func quietOptions() Options {
	return Options{RefreshInterval: time.Hour, MaxRetries: 3, CircuitBreakerResetTime: 5 * time.Minute}
}

func TestCircuitBreakerShortCircuitsThenAllowsOneAttempt(t *testing.T) {
	t.Parallel()
	clock := newClock()
	h := &holder{session: sessionExpiringIn(clock, time.Hour)}
	r := &refresher{clock: clock}
	r.fail.Store(true)
	m := NewManager("s1", h, r, WithClock(clock.Now))
	require.NoError(t, m.Start(context.Background(), quietOptions()))
	t.Cleanup(m.Stop)

	for i := 0; i < 3; i++ {
		_, err := m.RefreshNow(context.Background())
		require.Equal(t, domain.ErrorNetwork, domain.ErrorTypeOf(err))
	}
	require.True(t, m.Metrics().CircuitOpen)

	_, err := m.RefreshNow(context.Background())
	require.Equal(t, domain.ErrorCircuitOpen, domain.ErrorTypeOf(err))
	require.EqualValues(t, 3, r.calls.Load())

	clock.Advance(4 * time.Minute)
	_, err = m.RefreshNow(context.Background())
	require.Equal(t, domain.ErrorCircuitOpen, domain.ErrorTypeOf(err))
	require.EqualValues(t, 3, r.calls.Load())

	clock.Advance(time.Minute)
	r.fail.Store(false)
	_, err = m.RefreshNow(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 4, r.calls.Load())

	metrics := m.Metrics()
	require.EqualValues(t, 4, metrics.TotalRefreshes)
	require.EqualValues(t, 1, metrics.SuccessfulRefreshes)
	require.EqualValues(t, 3, metrics.FailedRefreshes)
	require.EqualValues(t, 2, metrics.ShortCircuited)
	require.False(t, metrics.CircuitOpen)
	require.Zero(t, metrics.ConsecutiveFailures)
	require.Equal(t, clock.Now(), metrics.LastRefreshTime)
}

func TestFreshTokenIsNotRefreshed(t *testing.T) {
	t.Parallel()
	clock := newClock()
	h := &holder{session: sessionExpiringIn(clock, time.Hour)}
	r := &refresher{clock: clock}
	m := NewManager("s1", h, r, WithClock(clock.Now))

	require.False(t, m.ShouldRefreshToken(h.session.Token))
	m.check(context.Background(), defaultRefreshBuffer)
	require.Zero(t, r.calls.Load())

	clock.Advance(56 * time.Minute)
	require.True(t, m.ShouldRefreshToken(h.session.Token))
	m.check(context.Background(), defaultRefreshBuffer)
	require.EqualValues(t, 1, r.calls.Load())
	require.Equal(t, "at+", h.session.Token.AccessToken)
}

func TestStartIsIdempotentAndStopIsSafe(t *testing.T) {
	t.Parallel()
	clock := newClock()
	h := &holder{session: sessionExpiringIn(clock, time.Minute)}
	r := &refresher{clock: clock}
	m := NewManager("s1", h, r, WithClock(clock.Now))

	m.Stop()
	require.False(t, m.IsActive())

	require.NoError(t, m.Start(context.Background(), quietOptions()))
	require.NoError(t, m.Start(context.Background(), quietOptions()))
	require.True(t, m.IsActive())

	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	m.Stop()
	m.Stop()
	require.False(t, m.IsActive())
	require.EqualValues(t, 1, r.calls.Load())
}

func TestAdvancedRotationFallsBackToInterval(t *testing.T) {
	t.Parallel()
	clock := newClock()
	h := &holder{session: sessionExpiringIn(clock, time.Minute)}
	r := &refresher{clock: clock}
	m := NewManager("s1", h, r, WithClock(clock.Now))

	opts := quietOptions()
	opts.EnableAdvancedRotation = true
	opts.RotationStrategy = StrategyCustom
	require.NoError(t, m.Start(context.Background(), opts))
	t.Cleanup(m.Stop)

	require.Equal(t, "interval", m.Metrics().Mode)
	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestAdvancedRotationStrategies(t *testing.T) {
	t.Parallel()
	base := Options{RefreshInterval: time.Hour, RotationBuffer: 4 * time.Minute}

	cases := []struct {
		strategy Strategy
		buffer   time.Duration
	}{
		{StrategyEager, 8 * time.Minute},
		{StrategyLazy, 2 * time.Minute},
		{StrategyAdaptive, 4 * time.Minute},
	}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	token := domain.AuthToken{ExpiresAt: now.Add(30 * time.Minute)}
	for _, tc := range cases {
		opts := base
		opts.RotationStrategy = tc.strategy
		rot, err := newRotator(opts.withDefaults())
		require.NoError(t, err)
		metrics := func() Metrics { return Metrics{} }
		require.Equal(t, tc.buffer, rot.buffer(metrics)(), string(tc.strategy))
		require.Equal(t, 30*time.Minute-tc.buffer, rot.schedule(metrics)(token, now), string(tc.strategy))
	}

	rot, err := newRotator(Options{RotationStrategy: StrategyAdaptive, RotationBuffer: 4 * time.Minute, RefreshInterval: time.Minute})
	require.NoError(t, err)
	slow := func() Metrics { return Metrics{AverageRefreshTime: 10 * time.Second, ConsecutiveFailures: 2} }
	require.Equal(t, 4*time.Minute+40*time.Second+4*time.Minute, rot.buffer(slow)())
	require.Equal(t, time.Minute, rot.schedule(slow)(token, now))

	_, err = newRotator(Options{RotationStrategy: "random"})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSecurityMonitoringReportsAnomalies(t *testing.T) {
	t.Parallel()
	clock := newClock()
	h := &holder{session: sessionExpiringIn(clock, time.Minute)}
	r := &refresher{clock: clock, reuse: true}
	m := NewManager("s1", h, r, WithClock(clock.Now))

	var mu sync.Mutex
	var seen []string
	opts := quietOptions()
	opts.EnableSecurityMonitoring = true
	opts.OnSecurityEvent = func(ev SecurityEvent) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Type)
	}
	require.NoError(t, m.Start(context.Background(), opts))
	t.Cleanup(m.Stop)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	require.ElementsMatch(t, []string{SecurityExpiryNotExtended, SecurityTokenReuse}, seen)
	mu.Unlock()
}

func TestMultiTabSyncSuppressesDuplicateRefresh(t *testing.T) {
	t.Parallel()
	clock := newClock()
	bus := memory.NewBus()
	shared := &holder{session: sessionExpiringIn(clock, 10*time.Minute)}
	stale := shared.session.Token

	ra := &refresher{clock: clock}
	rb := &refresher{clock: clock}
	a := NewManager("s1", shared, ra, WithClock(clock.Now), WithSyncBus(bus))
	b := NewManager("s1", &holder{session: shared.session}, rb, WithClock(clock.Now), WithSyncBus(bus))

	// Configure without starting the loops so the clock fully drives the test.
	opts := quietOptions()
	opts.EnableMultiTabSync = true
	a.opts = opts.withDefaults()
	b.opts = opts.withDefaults()
	unsub, err := bus.Subscribe(context.Background(), b.channel(), b.handleSync)
	require.NoError(t, err)
	t.Cleanup(unsub)

	clock.Advance(6 * time.Minute)
	require.True(t, b.ShouldRefreshToken(stale))
	_, err = a.RefreshNow(context.Background())
	require.NoError(t, err)

	require.False(t, b.ShouldRefreshToken(stale))
	b.check(context.Background(), defaultRefreshBuffer)
	require.Zero(t, rb.calls.Load())
}

func TestInFlightGuard(t *testing.T) {
	t.Parallel()
	clock := newClock()
	h := &holder{session: sessionExpiringIn(clock, time.Hour)}
	r := &refresher{clock: clock, release: make(chan struct{})}
	m := NewManager("s1", h, r, WithClock(clock.Now))

	errs := make(chan error, 1)
	go func() {
		_, err := m.RefreshNow(context.Background())
		errs <- err
	}()
	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, time.Millisecond)

	_, err := m.RefreshNow(context.Background())
	require.Equal(t, domain.ErrorInvalidState, domain.ErrorTypeOf(err))

	close(r.release)
	require.NoError(t, <-errs)
	require.EqualValues(t, 1, r.calls.Load())
}

func TestCancelFromCallbackDoesNotDeadlock(t *testing.T) {
	t.Parallel()
	clock := newClock()
	h := &holder{session: sessionExpiringIn(clock, time.Minute)}
	r := &refresher{clock: clock}
	r.fail.Store(true)
	m := NewManager("s1", h, r, WithClock(clock.Now))

	stopped := make(chan struct{})
	var once sync.Once
	opts := quietOptions()
	var classified atomic.Bool
	opts.OnError = func(err error) {
		var authErr *domain.AuthError
		classified.Store(errors.As(err, &authErr))
		m.Cancel()
		once.Do(func() { close(stopped) })
	}
	require.NoError(t, m.Start(context.Background(), opts))

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("error callback never ran")
	}
	require.True(t, classified.Load())
	require.False(t, m.IsActive())
	m.Stop()
}

func TestStopWaitsForRunningCallback(t *testing.T) {
	t.Parallel()
	clock := newClock()
	h := &holder{session: sessionExpiringIn(clock, time.Hour)}
	r := &refresher{clock: clock}
	m := NewManager("s1", h, r, WithClock(clock.Now))

	entered := make(chan struct{})
	release := make(chan struct{})
	var successes atomic.Int32
	var once sync.Once
	opts := quietOptions()
	opts.OnSuccess = func(domain.AuthSession) {
		successes.Add(1)
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	require.NoError(t, m.Start(context.Background(), opts))
	go func() { _, _ = m.RefreshNow(context.Background()) }()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("success callback never ran")
	}
	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a callback was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-stopped

	_, err := m.RefreshNow(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, successes.Load())
}
