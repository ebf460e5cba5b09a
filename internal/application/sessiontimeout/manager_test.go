package sessiontimeout

import (
	"context"
	"sync"
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

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func testConfig() Config {
	return Config{
		SessionDuration:  10 * time.Minute,
		WarningTime:      2 * time.Minute,
		FinalWarningTime: 30 * time.Second,
		MaxExtensions:    2,
	}
}

func TestTransitionsFireOnceAndInOrder(t *testing.T) {
	t.Parallel()
	clock := newClock()
	m := NewManager("s1", testConfig(), WithClock(clock.Now))
	rec := &recorder{}
	m.Subscribe(rec.handle)

	m.tick(clock.Advance(7 * time.Minute))
	require.Empty(t, rec.types())

	m.tick(clock.Advance(90 * time.Second))
	m.tick(clock.Advance(time.Second))
	require.Equal(t, []EventType{EventWarning}, rec.types())
	require.Equal(t, domain.TimeoutWarning, m.State().Status)

	m.tick(clock.Advance(60 * time.Second))
	m.tick(clock.Advance(time.Second))
	require.Equal(t, []EventType{EventWarning, EventFinalWarning}, rec.types())

	m.tick(clock.Advance(time.Minute))
	m.tick(clock.Advance(time.Minute))
	require.Equal(t, []EventType{EventWarning, EventFinalWarning, EventTimeout}, rec.types())
	require.Equal(t, ReasonDuration, rec.last().Reason)

	state := m.State()
	require.Equal(t, domain.TimeoutExpired, state.Status)
	require.Zero(t, state.TimeRemaining)
	require.Equal(t, 2, state.WarningsShown)
}

func TestNoWarningsAfterExpiryUntilReset(t *testing.T) {
	t.Parallel()
	clock := newClock()
	m := NewManager("s1", testConfig(), WithClock(clock.Now))
	rec := &recorder{}
	m.Subscribe(rec.handle)

	m.tick(clock.Advance(11 * time.Minute))
	require.Equal(t, []EventType{EventTimeout}, rec.types())

	m.tick(clock.Advance(time.Second))
	require.False(t, m.RecordActivity(ActivityPointer))
	require.False(t, m.ExtendSession(0))
	require.Len(t, rec.types(), 1)

	m.ResetSession()
	require.Equal(t, domain.TimeoutActive, m.State().Status)
	m.tick(clock.Advance(8*time.Minute + time.Second))
	require.Equal(t, []EventType{EventTimeout, EventReset, EventWarning}, rec.types())
}

func TestExtendSessionIsBoundedByMaxExtensions(t *testing.T) {
	t.Parallel()
	clock := newClock()
	m := NewManager("s1", testConfig(), WithClock(clock.Now))

	require.True(t, m.ExtendSession(0))
	require.True(t, m.ExtendSession(5*time.Minute))
	before := m.State()
	require.False(t, m.ExtendSession(0))

	after := m.State()
	require.Equal(t, 2, after.ExtensionsGranted)
	require.Equal(t, before.SessionStart, after.SessionStart)
	require.Equal(t, domain.TimeoutExtended, after.Status)
	require.Equal(t, 5*time.Minute, after.TimeRemaining)
}

func TestConcurrentExtensionsNeverExceedMax(t *testing.T) {
	t.Parallel()
	m := NewManager("s1", testConfig())

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.ExtendSession(0) {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 2, granted)
	require.Equal(t, 2, m.State().ExtensionsGranted)
}

func TestExtensionRewindsWarnings(t *testing.T) {
	t.Parallel()
	clock := newClock()
	m := NewManager("s1", testConfig(), WithClock(clock.Now))
	rec := &recorder{}
	m.Subscribe(rec.handle)

	m.tick(clock.Advance(9 * time.Minute))
	require.True(t, m.ExtendSession(0))
	m.tick(clock.Advance(8*time.Minute + time.Second))
	require.Equal(t, []EventType{EventWarning, EventExtended, EventWarning}, rec.types())
}

func TestInactivityExpiresIndependently(t *testing.T) {
	t.Parallel()
	clock := newClock()
	cfg := testConfig()
	cfg.SessionDuration = time.Hour
	cfg.InactivityTimeout = 5 * time.Minute
	m := NewManager("s1", cfg, WithClock(clock.Now))
	rec := &recorder{}
	m.Subscribe(rec.handle)

	clock.Advance(4 * time.Minute)
	require.True(t, m.RecordActivity(ActivityKeyboard))
	m.tick(clock.Advance(4 * time.Minute))
	require.Empty(t, rec.types())

	m.tick(clock.Advance(time.Minute))
	require.Equal(t, []EventType{EventTimeout}, rec.types())
	require.Equal(t, ReasonInactivity, rec.last().Reason)
	require.Greater(t, m.State().SessionStart.Add(time.Hour), clock.Now())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	clock := newClock()
	m := NewManager("s1", testConfig(), WithClock(clock.Now))
	rec := &recorder{}
	unsubscribe := m.Subscribe(rec.handle)
	unsubscribe()
	unsubscribe()

	m.tick(clock.Advance(11 * time.Minute))
	require.Empty(t, rec.types())
}

func TestCrossInstanceSync(t *testing.T) {
	t.Parallel()
	clock := newClock()
	bus := memory.NewBus()
	cfg := testConfig()
	cfg.TickInterval = time.Hour
	a := NewManager("shared", cfg, WithClock(clock.Now), WithSyncBus(bus))
	b := NewManager("shared", cfg, WithClock(clock.Now), WithSyncBus(bus))
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(a.Stop)
	t.Cleanup(b.Stop)

	recB := &recorder{}
	b.Subscribe(recB.handle)

	clock.Advance(9 * time.Minute)
	require.True(t, a.ExtendSession(0))
	require.Equal(t, []EventType{EventExtended}, recB.types())
	require.True(t, recB.last().Remote)
	require.Equal(t, a.State().SessionStart, b.State().SessionStart)
	require.Equal(t, 1, b.State().ExtensionsGranted)

	require.True(t, a.Expire(ReasonDuration))
	require.Equal(t, []EventType{EventExtended, EventTimeout}, recB.types())
	require.Equal(t, ReasonRemote, recB.last().Reason)
	require.True(t, b.IsExpired())
}

func TestSyncIgnoresStaleAndDuplicateMessages(t *testing.T) {
	t.Parallel()
	clock := newClock()
	m := NewManager("s1", testConfig(), WithClock(clock.Now))
	rec := &recorder{}
	m.Subscribe(rec.handle)

	stale := []byte(`{"kind":"timeout","origin":"other","session_id":"s1","session_start":"2026-01-01T00:00:00Z"}`)
	m.handleSync(stale)
	require.Empty(t, rec.types())

	clock.Advance(time.Minute)
	ext := []byte(`{"kind":"extend","origin":"other","session_id":"s1","session_start":"` +
		clock.Now().Format(time.RFC3339Nano) + `","window":600000000000,"extensions":1}`)
	m.handleSync(ext)
	m.handleSync(ext)
	require.Equal(t, []EventType{EventExtended}, rec.types())

	m.handleSync([]byte("not json"))
	m.handleSync([]byte(`{"kind":"timeout","origin":"other","session_id":"another"}`))
	require.Len(t, rec.types(), 1)
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()
	bus := memory.NewBus()
	m := NewManager("s1", Config{TickInterval: time.Millisecond}, WithSyncBus(bus))
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()))
	require.Equal(t, 1, bus.Subscribers("authcore:session-timeout:s1"))

	m.Stop()
	m.Stop()
	require.Zero(t, bus.Subscribers("authcore:session-timeout:s1"))
}

func TestHandlerMayCancelManager(t *testing.T) {
	t.Parallel()
	clock := newClock()
	cfg := testConfig()
	cfg.TickInterval = time.Millisecond
	m := NewManager("s1", cfg, WithClock(clock.Now))
	stopped := make(chan struct{})
	late := &recorder{}
	m.Subscribe(func(ev Event) {
		if ev.Type == EventTimeout {
			m.Cancel()
			close(stopped)
		}
	})
	m.Subscribe(late.handle)
	require.NoError(t, m.Start(context.Background()))
	clock.Advance(time.Hour)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout handler never ran")
	}
	require.Empty(t, late.types())
	m.Stop()
}

func TestStopWaitsForRunningHandler(t *testing.T) {
	t.Parallel()
	clock := newClock()
	cfg := testConfig()
	cfg.TickInterval = time.Millisecond
	m := NewManager("s1", cfg, WithClock(clock.Now))
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	rec := &recorder{}
	m.Subscribe(func(ev Event) {
		once.Do(func() {
			close(entered)
			<-release
		})
		rec.handle(ev)
	})
	require.NoError(t, m.Start(context.Background()))
	clock.Advance(9 * time.Minute)

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("warning handler never ran")
	}
	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a handler was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-stopped
	require.Equal(t, []EventType{EventWarning}, rec.types())

	clock.Advance(time.Hour)
	require.True(t, m.Check())
	require.False(t, m.ExtendSession(time.Minute))
	require.Equal(t, []EventType{EventWarning}, rec.types())
}
