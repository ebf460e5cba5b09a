// Package sessiontimeout tracks one session's absolute and inactivity deadlines
// and emits warning/timeout events exactly once per state transition.
package sessiontimeout

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/viralforge/authcore/internal/application/delivery"
	"github.com/viralforge/authcore/internal/domain"
	"github.com/viralforge/authcore/internal/ports"
)

// Config holds the timing policy for a session.
type Config struct {
	SessionDuration   time.Duration
	WarningTime       time.Duration
	FinalWarningTime  time.Duration
	InactivityTimeout time.Duration
	MaxExtensions     int
	TickInterval      time.Duration
	// SyncChannelPrefix is joined with the session id to form the SyncBus channel.
	SyncChannelPrefix string
}

// DefaultConfig is a 30 minute session with 5 and 1 minute warnings.
func DefaultConfig() Config {
	return Config{
		SessionDuration:   30 * time.Minute,
		WarningTime:       5 * time.Minute,
		FinalWarningTime:  time.Minute,
		InactivityTimeout: 15 * time.Minute,
		MaxExtensions:     3,
		TickInterval:      time.Second,
		SyncChannelPrefix: "authcore:session-timeout:",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SessionDuration <= 0 {
		c.SessionDuration = d.SessionDuration
	}
	if c.WarningTime <= 0 {
		c.WarningTime = d.WarningTime
	}
	if c.FinalWarningTime <= 0 {
		c.FinalWarningTime = d.FinalWarningTime
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.MaxExtensions < 0 {
		c.MaxExtensions = 0
	}
	if c.SyncChannelPrefix == "" {
		c.SyncChannelPrefix = d.SyncChannelPrefix
	}
	return c
}

type EventType string

const (
	EventWarning      EventType = "warning"
	EventFinalWarning EventType = "final-warning"
	EventTimeout      EventType = "timeout"
	EventExtended     EventType = "extended"
	EventReset        EventType = "reset"
)

// TimeoutReason says which expiry condition ended the session.
type TimeoutReason string

const (
	ReasonDuration   TimeoutReason = "duration"
	ReasonInactivity TimeoutReason = "inactivity"
	ReasonRemote     TimeoutReason = "remote"
)

// ActivityKind labels a user interaction that resets the inactivity timer.
type ActivityKind string

const (
	ActivityPointer    ActivityKind = "pointer"
	ActivityKeyboard   ActivityKind = "keyboard"
	ActivityTouch      ActivityKind = "touch"
	ActivityVisibility ActivityKind = "visibility"
	ActivityAPI        ActivityKind = "api"
)

// Event is delivered to subscribers on every state transition.
type Event struct {
	Type      EventType                  `json:"type"`
	SessionID string                     `json:"session_id"`
	Reason    TimeoutReason              `json:"reason,omitempty"`
	Remote    bool                       `json:"remote"`
	State     domain.SessionTimeoutState `json:"state"`
	At        time.Time                  `json:"at"`
}

type Handler func(Event)

type syncKind string

const (
	syncExtend  syncKind = "extend"
	syncTimeout syncKind = "timeout"
	syncReset   syncKind = "reset"
)

// syncMessage is the cross-instance broadcast payload.
type syncMessage struct {
	Kind         syncKind      `json:"kind"`
	Origin       string        `json:"origin"`
	SessionID    string        `json:"session_id"`
	SessionStart time.Time     `json:"session_start"`
	Window       time.Duration `json:"window"`
	Extensions   int           `json:"extensions"`
	Reason       TimeoutReason `json:"reason,omitempty"`
}

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

// Manager owns the timeout state of a single session.
type Manager struct {
	cfg       Config
	sessionID string
	origin    string
	bus       ports.SyncBus
	logger    *slog.Logger
	nowFn     func() time.Time

	mu            sync.Mutex
	status        domain.TimeoutStatus
	sessionStart  time.Time
	window        time.Duration
	lastActivity  time.Time
	warningsShown int
	extensions    int

	subMu   sync.RWMutex
	subs    map[int]Handler
	nextSub int

	runMu     sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	unsubsync func()
	gate      delivery.Gate
}

func NewManager(sessionID string, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg.withDefaults(),
		sessionID: sessionID,
		origin:    uuid.NewString(),
		logger:    slog.Default(),
		nowFn:     func() time.Time { return time.Now().UTC() },
		subs:      make(map[int]Handler),
	}
	for _, opt := range opts {
		opt(m)
	}
	now := m.nowFn()
	m.status = domain.TimeoutActive
	m.sessionStart = now
	m.lastActivity = now
	m.window = m.cfg.SessionDuration
	return m
}

func (m *Manager) SessionID() string { return m.sessionID }

func (m *Manager) channel() string { return m.cfg.SyncChannelPrefix + m.sessionID }

// Subscribe registers handler for every subsequent event. The returned func unregisters it.
func (m *Manager) Subscribe(handler Handler) (unsubscribe func()) {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = handler
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
		})
	}
}

// Start begins ticking and joins the session's sync channel. Calling Start twice is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return nil
	}
	m.gate.Open()

	if m.bus != nil {
		unsub, err := m.bus.Subscribe(ctx, m.channel(), m.handleSync)
		if err != nil {
			m.logger.WarnContext(ctx, "session timeout sync unavailable",
				"module", "application.sessiontimeout",
				"layer", "application",
				"operation", "start",
				"outcome", "degraded",
				"session_id", m.sessionID,
				"error", err,
			)
		} else {
			m.unsubsync = unsub
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	m.cancel, m.done = cancel, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.tick(m.nowFn())
			}
		}
	}()
	return nil
}

// Stop halts ticking, leaves the sync channel and waits for running handlers, so
// no event is delivered after it returns. Safe to call when not started. A
// handler must call Cancel instead.
func (m *Manager) Stop() {
	done := m.halt()
	if done != nil {
		<-done
	}
	m.gate.Close()
}

// Cancel is Stop without the wait, for use from inside a handler. Handlers not
// yet called for the current event are skipped.
func (m *Manager) Cancel() {
	m.halt()
}

func (m *Manager) halt() <-chan struct{} {
	m.gate.Seal()
	m.runMu.Lock()
	cancel, done, unsub := m.cancel, m.done, m.unsubsync
	m.cancel, m.done, m.unsubsync = nil, nil, nil
	m.runMu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel == nil {
		return nil
	}
	cancel()
	return done
}

// State returns a snapshot with TimeRemaining computed at the current clock.
func (m *Manager) State() domain.SessionTimeoutState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(m.nowFn())
}

func (m *Manager) snapshotLocked(now time.Time) domain.SessionTimeoutState {
	remaining := m.sessionStart.Add(m.window).Sub(now)
	if remaining < 0 || m.status == domain.TimeoutExpired {
		remaining = 0
	}
	return domain.SessionTimeoutState{
		SessionID:         m.sessionID,
		Status:            m.status,
		TimeRemaining:     remaining,
		SessionStart:      m.sessionStart,
		LastActivity:      m.lastActivity,
		WarningsShown:     m.warningsShown,
		ExtensionsGranted: m.extensions,
		MaxExtensions:     m.cfg.MaxExtensions,
	}
}

// IsExpired reports whether the session has reached the terminal state.
func (m *Manager) IsExpired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status == domain.TimeoutExpired
}

// Check advances the state machine to the current clock without waiting for the
// next tick and reports whether the session is expired.
func (m *Manager) Check() bool {
	m.tick(m.nowFn())
	return m.IsExpired()
}

// tick advances the state machine to now. Transitions only move forward for a given sessionStart.
func (m *Manager) tick(now time.Time) {
	m.mu.Lock()
	if m.status == domain.TimeoutExpired {
		m.mu.Unlock()
		return
	}

	var events []Event
	var broadcast *syncMessage
	remaining := m.sessionStart.Add(m.window).Sub(now)
	inactive := m.cfg.InactivityTimeout > 0 && now.Sub(m.lastActivity) >= m.cfg.InactivityTimeout

	switch {
	case inactive:
		events = append(events, m.expireLocked(now, ReasonInactivity, false))
		broadcast = m.syncLocked(syncTimeout, ReasonInactivity)
	case remaining <= 0:
		events = append(events, m.expireLocked(now, ReasonDuration, false))
		broadcast = m.syncLocked(syncTimeout, ReasonDuration)
	case remaining <= m.cfg.FinalWarningTime && m.status.Rank() < domain.TimeoutFinalWarning.Rank():
		m.status = domain.TimeoutFinalWarning
		m.warningsShown++
		events = append(events, Event{Type: EventFinalWarning, SessionID: m.sessionID, State: m.snapshotLocked(now), At: now})
	case remaining <= m.cfg.WarningTime && m.status.Rank() < domain.TimeoutWarning.Rank():
		m.status = domain.TimeoutWarning
		m.warningsShown++
		events = append(events, Event{Type: EventWarning, SessionID: m.sessionID, State: m.snapshotLocked(now), At: now})
	}
	m.mu.Unlock()

	m.publish(broadcast)
	m.emit(events)
}

func (m *Manager) expireLocked(now time.Time, reason TimeoutReason, remote bool) Event {
	m.status = domain.TimeoutExpired
	return Event{Type: EventTimeout, SessionID: m.sessionID, Reason: reason, Remote: remote, State: m.snapshotLocked(now), At: now}
}

func (m *Manager) syncLocked(kind syncKind, reason TimeoutReason) *syncMessage {
	if m.bus == nil {
		return nil
	}
	return &syncMessage{
		Kind:         kind,
		Origin:       m.origin,
		SessionID:    m.sessionID,
		SessionStart: m.sessionStart,
		Window:       m.window,
		Extensions:   m.extensions,
		Reason:       reason,
	}
}

// RecordActivity resets the inactivity timer. It returns false once the session expired.
func (m *Manager) RecordActivity(kind ActivityKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == domain.TimeoutExpired {
		return false
	}
	m.lastActivity = m.nowFn()
	return true
}

// ExtendSession opens a fresh window of d (or the configured session duration when d <= 0).
// It is rejected once expired or when MaxExtensions have already been granted.
func (m *Manager) ExtendSession(d time.Duration) bool {
	m.mu.Lock()
	if m.status == domain.TimeoutExpired || m.extensions >= m.cfg.MaxExtensions {
		m.mu.Unlock()
		return false
	}
	if d <= 0 {
		d = m.cfg.SessionDuration
	}
	now := m.nowFn()
	m.sessionStart = now
	m.window = d
	m.lastActivity = now
	m.extensions++
	m.status = domain.TimeoutExtended
	ev := Event{Type: EventExtended, SessionID: m.sessionID, State: m.snapshotLocked(now), At: now}
	msg := m.syncLocked(syncExtend, "")
	m.mu.Unlock()

	m.publish(msg)
	m.emit([]Event{ev})
	return true
}

// ResetSession restarts tracking from scratch, including after expiry.
func (m *Manager) ResetSession() {
	m.mu.Lock()
	now := m.nowFn()
	m.status = domain.TimeoutActive
	m.sessionStart = now
	m.window = m.cfg.SessionDuration
	m.lastActivity = now
	m.warningsShown = 0
	m.extensions = 0
	ev := Event{Type: EventReset, SessionID: m.sessionID, State: m.snapshotLocked(now), At: now}
	msg := m.syncLocked(syncReset, "")
	m.mu.Unlock()

	m.publish(msg)
	m.emit([]Event{ev})
}

// Expire ends the session immediately, for example on logout.
func (m *Manager) Expire(reason TimeoutReason) bool {
	m.mu.Lock()
	if m.status == domain.TimeoutExpired {
		m.mu.Unlock()
		return false
	}
	ev := m.expireLocked(m.nowFn(), reason, false)
	msg := m.syncLocked(syncTimeout, reason)
	m.mu.Unlock()

	m.publish(msg)
	m.emit([]Event{ev})
	return true
}

// handleSync applies a broadcast from another instance. Messages are idempotent and
// resolved last-write-wins by SessionStart; they are never re-broadcast.
func (m *Manager) handleSync(payload []byte) {
	var msg syncMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		m.logger.Warn("session timeout sync payload rejected",
			"module", "application.sessiontimeout",
			"layer", "application",
			"operation", "handle_sync",
			"outcome", "invalid",
			"session_id", m.sessionID,
			"error", err,
		)
		return
	}
	if msg.Origin == m.origin || msg.SessionID != m.sessionID {
		return
	}

	now := m.nowFn()
	m.mu.Lock()
	var ev *Event
	switch msg.Kind {
	case syncExtend:
		if m.status != domain.TimeoutExpired && msg.SessionStart.After(m.sessionStart) {
			m.sessionStart = msg.SessionStart
			m.window = msg.Window
			m.lastActivity = now
			if msg.Extensions > m.extensions {
				m.extensions = msg.Extensions
			}
			m.status = domain.TimeoutExtended
			ev = &Event{Type: EventExtended, SessionID: m.sessionID, Remote: true, State: m.snapshotLocked(now), At: now}
		}
	case syncReset:
		if msg.SessionStart.After(m.sessionStart) {
			m.status = domain.TimeoutActive
			m.sessionStart = msg.SessionStart
			m.window = msg.Window
			m.lastActivity = now
			m.warningsShown = 0
			m.extensions = 0
			ev = &Event{Type: EventReset, SessionID: m.sessionID, Remote: true, State: m.snapshotLocked(now), At: now}
		}
	case syncTimeout:
		if m.status != domain.TimeoutExpired && !msg.SessionStart.Before(m.sessionStart) {
			e := m.expireLocked(now, ReasonRemote, true)
			ev = &e
		}
	}
	m.mu.Unlock()

	if ev != nil {
		m.emit([]Event{*ev})
	}
}

func (m *Manager) publish(msg *syncMessage) {
	if msg == nil || m.bus == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := m.bus.Publish(context.Background(), m.channel(), payload); err != nil {
		m.logger.Warn("session timeout sync publish failed",
			"module", "application.sessiontimeout",
			"layer", "application",
			"operation", "publish_sync",
			"outcome", "failure",
			"session_id", m.sessionID,
			"error", err,
		)
	}
}

func (m *Manager) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	m.subMu.RLock()
	handlers := make([]Handler, 0, len(m.subs))
	for id := 0; id < m.nextSub; id++ {
		if h, ok := m.subs[id]; ok {
			handlers = append(handlers, h)
		}
	}
	m.subMu.RUnlock()

	for _, ev := range events {
		for _, h := range handlers {
			if !m.gate.Run(func() { m.safeCall(h, ev) }) {
				return
			}
		}
	}
}

func (m *Manager) safeCall(h Handler, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("session timeout handler panicked",
				"module", "application.sessiontimeout",
				"layer", "application",
				"operation", "emit",
				"outcome", "failure",
				"session_id", m.sessionID,
				"event", string(ev.Type),
				"panic", rec,
			)
		}
	}()
	h(ev)
}
