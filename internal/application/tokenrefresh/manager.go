// Package tokenrefresh keeps one session's access token fresh in the background.
package tokenrefresh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/viralforge/authcore/internal/application/delivery"
	"github.com/viralforge/authcore/internal/domain"
	"github.com/viralforge/authcore/internal/ports"
)

const (
	defaultRefreshInterval   = time.Minute
	defaultRefreshBuffer     = 5 * time.Minute
	defaultMaxRetries        = 3
	defaultCircuitResetTime  = 5 * time.Minute
	defaultSyncChannelPrefix = "authcore:token-refresh:"
	minScheduleDelay         = time.Second
)

// SessionHolder gives the manager read/write access to the session it keeps fresh.
// The manager never owns the session; it only reads it before each attempt and hands back the result.
type SessionHolder interface {
	Session(ctx context.Context) (domain.AuthSession, error)
	UpdateSession(ctx context.Context, session domain.AuthSession) error
}

// Refresher performs the network refresh. ports.Authenticator satisfies it.
type Refresher interface {
	RefreshToken(ctx context.Context, session domain.AuthSession) (domain.AuthSession, error)
}

// Options configure one Start call.
type Options struct {
	RefreshInterval         time.Duration
	RefreshBuffer           time.Duration
	MaxRetries              int
	CircuitBreakerResetTime time.Duration

	OnSuccess       func(domain.AuthSession)
	OnError         func(error)
	OnSecurityEvent func(SecurityEvent)

	EnableMultiTabSync       bool
	EnableSecurityMonitoring bool
	EnableAdvancedRotation   bool
	RotationStrategy         Strategy
	RotationBuffer           time.Duration
	// CustomSchedule returns the delay until the next check; required by StrategyCustom.
	CustomSchedule func(token domain.AuthToken, now time.Time) time.Duration
}

func (o Options) withDefaults() Options {
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = defaultRefreshInterval
	}
	if o.RefreshBuffer <= 0 {
		o.RefreshBuffer = defaultRefreshBuffer
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.CircuitBreakerResetTime <= 0 {
		o.CircuitBreakerResetTime = defaultCircuitResetTime
	}
	if o.RotationBuffer <= 0 {
		o.RotationBuffer = o.RefreshBuffer
	}
	return o
}

// Metrics is the running record of refresh attempts.
type Metrics struct {
	TotalRefreshes      int64         `json:"total_refreshes"`
	SuccessfulRefreshes int64         `json:"successful_refreshes"`
	FailedRefreshes     int64         `json:"failed_refreshes"`
	ShortCircuited      int64         `json:"short_circuited"`
	AverageRefreshTime  time.Duration `json:"average_refresh_time"`
	LastRefreshTime     time.Time     `json:"last_refresh_time,omitempty"`
	LastAttemptTime     time.Time     `json:"last_attempt_time,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	CircuitOpen         bool          `json:"circuit_open"`
	Mode                string        `json:"mode"`
}

// SecurityEvent reports an anomaly observed across a refresh.
type SecurityEvent struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Detail    string    `json:"detail"`
	At        time.Time `json:"at"`
}

const (
	SecuritySubjectChanged    = "subject_changed"
	SecurityExpiryNotExtended = "expiry_not_extended"
	SecurityTokenReuse        = "token_reuse"
)

// Option configures a Manager.
type Option func(*Manager)

func WithSyncBus(bus ports.SyncBus) Option {
	return func(m *Manager) { m.bus = bus }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithClock(nowFn func() time.Time) Option {
	return func(m *Manager) {
		if nowFn != nil {
			m.nowFn = nowFn
		}
	}
}

// Manager runs the background refresh loop of one session.
type Manager struct {
	sessionID string
	origin    string
	holder    SessionHolder
	refresher Refresher
	bus       ports.SyncBus
	logger    *slog.Logger
	nowFn     func() time.Time

	runMu     sync.Mutex
	active    bool
	opts      Options
	cancel    context.CancelFunc
	done      chan struct{}
	unsubSync func()
	gate      delivery.Gate
	inFlight  atomic.Bool

	mu           sync.Mutex
	metrics      Metrics
	remoteExpiry time.Time
}

func NewManager(sessionID string, holder SessionHolder, refresher Refresher, opts ...Option) *Manager {
	m := &Manager{
		sessionID: sessionID,
		origin:    uuid.NewString(),
		holder:    holder,
		refresher: refresher,
		logger:    slog.Default(),
		nowFn:     func() time.Time { return time.Now().UTC() },
		opts:      Options{}.withDefaults(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) channel() string { return defaultSyncChannelPrefix + m.sessionID }

// Start launches the refresh loop. It is a no-op while already active.
// When advanced rotation cannot start, the standard interval loop is used instead.
func (m *Manager) Start(ctx context.Context, opts Options) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.active {
		return nil
	}
	opts = opts.withDefaults()
	m.gate.Open()

	schedule := intervalSchedule(opts.RefreshInterval)
	buffer := func() time.Duration { return opts.RefreshBuffer }
	mode := "interval"
	if opts.EnableAdvancedRotation {
		rot, err := newRotator(opts)
		if err != nil {
			m.logger.WarnContext(ctx, "advanced rotation unavailable, using interval refresh",
				"module", "application.tokenrefresh",
				"layer", "application",
				"operation", "start",
				"outcome", "fallback",
				"session_id", m.sessionID,
				"error", err,
			)
		} else {
			schedule = rot.schedule(m.Metrics)
			buffer = rot.buffer(m.Metrics)
			mode = string(rot.strategy)
		}
	}

	if opts.EnableMultiTabSync && m.bus != nil {
		unsub, err := m.bus.Subscribe(ctx, m.channel(), m.handleSync)
		if err != nil {
			m.logger.WarnContext(ctx, "token refresh sync unavailable",
				"module", "application.tokenrefresh",
				"layer", "application",
				"operation", "start",
				"outcome", "degraded",
				"session_id", m.sessionID,
				"error", err,
			)
		} else {
			m.unsubSync = unsub
		}
	}

	m.mu.Lock()
	m.metrics.Mode = mode
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.opts = opts
	m.cancel = cancel
	m.done = make(chan struct{})
	m.active = true
	go m.loop(runCtx, m.done, schedule, buffer)
	return nil
}

func (m *Manager) loop(ctx context.Context, done chan struct{}, schedule func(domain.AuthToken, time.Time) time.Duration, buffer func() time.Duration) {
	defer close(done)
	token := m.check(ctx, buffer())
	timer := time.NewTimer(clampDelay(schedule(token, m.nowFn())))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			token = m.check(ctx, buffer())
			timer.Reset(clampDelay(schedule(token, m.nowFn())))
		}
	}
}

func clampDelay(d time.Duration) time.Duration {
	if d < minScheduleDelay {
		return minScheduleDelay
	}
	return d
}

// check refreshes the session only when its token is inside the renewal buffer.
// It returns the token that is current after the check.
func (m *Manager) check(ctx context.Context, buffer time.Duration) domain.AuthToken {
	session, err := m.holder.Session(ctx)
	if err != nil {
		m.notifyError(err)
		return domain.AuthToken{}
	}
	if !m.shouldRefresh(session.Token, buffer) {
		return session.Token
	}
	updated, err := m.attempt(ctx, session)
	if err != nil {
		return session.Token
	}
	return updated.Token
}

// ShouldRefreshToken reports whether token expires within the configured refresh buffer.
func (m *Manager) ShouldRefreshToken(token domain.AuthToken) bool {
	m.runMu.Lock()
	buffer := m.opts.RefreshBuffer
	m.runMu.Unlock()
	return m.shouldRefresh(token, buffer)
}

func (m *Manager) shouldRefresh(token domain.AuthToken, buffer time.Duration) bool {
	now := m.nowFn()
	m.mu.Lock()
	remote := m.remoteExpiry
	m.mu.Unlock()
	// Another instance already renewed past this token's expiry.
	if remote.After(token.ExpiresAt) && remote.After(now.Add(buffer)) {
		return false
	}
	return token.ExpiresWithin(now, buffer)
}

// RefreshNow performs one refresh attempt regardless of the buffer, subject to the
// circuit breaker and in-flight guard.
func (m *Manager) RefreshNow(ctx context.Context) (domain.AuthSession, error) {
	session, err := m.holder.Session(ctx)
	if err != nil {
		return domain.AuthSession{}, err
	}
	return m.attempt(ctx, session)
}

func (m *Manager) attempt(ctx context.Context, session domain.AuthSession) (domain.AuthSession, error) {
	if !m.inFlight.CompareAndSwap(false, true) {
		return domain.AuthSession{}, domain.NewAuthError(domain.ErrorInvalidState, "refresh already in flight")
	}
	defer m.inFlight.Store(false)

	m.runMu.Lock()
	opts := m.opts
	m.runMu.Unlock()

	now := m.nowFn()
	m.mu.Lock()
	if m.metrics.ConsecutiveFailures >= opts.MaxRetries {
		if now.Sub(m.metrics.LastAttemptTime) < opts.CircuitBreakerResetTime {
			m.metrics.CircuitOpen = true
			m.metrics.ShortCircuited++
			m.mu.Unlock()
			return domain.AuthSession{}, domain.NewAuthError(domain.ErrorCircuitOpen, "token refresh circuit breaker is open")
		}
		m.metrics.ConsecutiveFailures = 0
		m.metrics.CircuitOpen = false
	}
	m.metrics.TotalRefreshes++
	m.metrics.LastAttemptTime = now
	m.mu.Unlock()

	start := time.Now()
	updated, err := m.refresher.RefreshToken(ctx, session)
	took := time.Since(start)

	m.mu.Lock()
	m.metrics.AverageRefreshTime += (took - m.metrics.AverageRefreshTime) / time.Duration(m.metrics.TotalRefreshes)
	if err != nil {
		m.metrics.FailedRefreshes++
		m.metrics.ConsecutiveFailures++
		tripped := m.metrics.ConsecutiveFailures >= opts.MaxRetries
		m.metrics.CircuitOpen = tripped
		m.mu.Unlock()

		m.logger.WarnContext(ctx, "token refresh failed",
			"module", "application.tokenrefresh",
			"layer", "application",
			"operation", "refresh",
			"outcome", "failure",
			"session_id", m.sessionID,
			"circuit_open", tripped,
			"error", err,
		)
		m.notifyError(err)
		return domain.AuthSession{}, err
	}
	m.metrics.SuccessfulRefreshes++
	m.metrics.ConsecutiveFailures = 0
	m.metrics.CircuitOpen = false
	m.metrics.LastRefreshTime = m.nowFn()
	m.mu.Unlock()

	if err := m.holder.UpdateSession(ctx, updated); err != nil {
		m.notifyError(fmt.Errorf("store refreshed session: %w", err))
		return domain.AuthSession{}, err
	}
	if opts.EnableSecurityMonitoring {
		m.inspect(session, updated)
	}
	if opts.EnableMultiTabSync {
		m.announce(ctx, updated)
	}
	if opts.OnSuccess != nil {
		m.callback(func() { opts.OnSuccess(updated) })
	}
	return updated, nil
}

func (m *Manager) inspect(before, after domain.AuthSession) {
	now := m.nowFn()
	var events []SecurityEvent
	if before.User.ID != "" && after.User.ID != before.User.ID {
		events = append(events, SecurityEvent{Type: SecuritySubjectChanged, Detail: fmt.Sprintf("subject %s became %s", before.User.ID, after.User.ID)})
	}
	if !after.Token.ExpiresAt.After(before.Token.ExpiresAt) {
		events = append(events, SecurityEvent{Type: SecurityExpiryNotExtended, Detail: "refreshed token does not extend expiry"})
	}
	if after.Token.AccessToken != "" && after.Token.AccessToken == before.Token.AccessToken {
		events = append(events, SecurityEvent{Type: SecurityTokenReuse, Detail: "refresh returned the previous access token"})
	}

	m.runMu.Lock()
	handler := m.opts.OnSecurityEvent
	m.runMu.Unlock()
	for _, ev := range events {
		ev.SessionID = m.sessionID
		ev.At = now
		m.logger.Warn("token refresh anomaly",
			"module", "application.tokenrefresh",
			"layer", "application",
			"operation", "security_monitor",
			"outcome", ev.Type,
			"session_id", m.sessionID,
			"detail", ev.Detail,
		)
		if handler != nil {
			ev := ev
			m.callback(func() { handler(ev) })
		}
	}
}

type syncMessage struct {
	Origin      string    `json:"origin"`
	SessionID   string    `json:"session_id"`
	ExpiresAt   time.Time `json:"expires_at"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

func (m *Manager) announce(ctx context.Context, session domain.AuthSession) {
	if m.bus == nil {
		return
	}
	payload, err := json.Marshal(syncMessage{
		Origin:      m.origin,
		SessionID:   m.sessionID,
		ExpiresAt:   session.Token.ExpiresAt,
		RefreshedAt: m.nowFn(),
	})
	if err != nil {
		return
	}
	if err := m.bus.Publish(ctx, m.channel(), payload); err != nil {
		m.logger.WarnContext(ctx, "token refresh sync publish failed",
			"module", "application.tokenrefresh",
			"layer", "application",
			"operation", "announce",
			"outcome", "failure",
			"session_id", m.sessionID,
			"error", err,
		)
	}
}

// handleSync records a newer expiry announced by another instance. Duplicates are harmless.
func (m *Manager) handleSync(payload []byte) {
	var msg syncMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Origin == m.origin || msg.SessionID != m.sessionID {
		return
	}
	m.mu.Lock()
	if msg.ExpiresAt.After(m.remoteExpiry) {
		m.remoteExpiry = msg.ExpiresAt
	}
	m.mu.Unlock()
}

func (m *Manager) notifyError(err error) {
	m.runMu.Lock()
	handler := m.opts.OnError
	m.runMu.Unlock()
	if handler != nil {
		m.callback(func() { handler(err) })
	}
}

func (m *Manager) callback(fn func()) {
	m.gate.Run(fn)
}

// Stop cancels the loop, waits for it to exit and for running callbacks to
// return, so no callback fires after Stop returns. Safe to call when never
// started. A callback must call Cancel instead.
func (m *Manager) Stop() {
	if done := m.halt(); done != nil {
		<-done
	}
	m.gate.Close()
}

// Cancel is Stop without the wait, for use from inside a callback.
func (m *Manager) Cancel() {
	m.halt()
}

func (m *Manager) halt() <-chan struct{} {
	m.gate.Seal()
	m.runMu.Lock()
	if !m.active {
		m.runMu.Unlock()
		return nil
	}
	cancel, done, unsub := m.cancel, m.done, m.unsubSync
	m.active = false
	m.cancel, m.done, m.unsubSync = nil, nil, nil
	m.runMu.Unlock()

	if unsub != nil {
		unsub()
	}
	cancel()
	return done
}

func (m *Manager) IsActive() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.active
}

func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

func intervalSchedule(interval time.Duration) func(domain.AuthToken, time.Time) time.Duration {
	return func(domain.AuthToken, time.Time) time.Duration { return interval }
}
