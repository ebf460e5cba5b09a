package application

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/viralforge/authcore/internal/application/mfa"
	"github.com/viralforge/authcore/internal/application/providers"
	"github.com/viralforge/authcore/internal/application/sessiontimeout"
	"github.com/viralforge/authcore/internal/application/tokenrefresh"
	"github.com/viralforge/authcore/internal/application/validation"
	"github.com/viralforge/authcore/internal/domain"
	"github.com/viralforge/authcore/internal/ports"
)

// Service wires validation, provider selection, MFA and the per-session
// background managers into the login and session lifecycle.
type Service struct {
	cfg       Config
	providers *providers.Manager
	validator *validation.Validator
	mfa       *mfa.Orchestrator
	events    ports.EventPublisher
	bus       ports.SyncBus
	logger    *slog.Logger
	nowFn     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*tracked
}

type Dependencies struct {
	Config    Config
	Providers *providers.Manager
	Validator *validation.Validator
	// MFA may be nil when no second factor is configured.
	MFA     *mfa.Orchestrator
	Events  ports.EventPublisher
	SyncBus ports.SyncBus
	Logger  *slog.Logger
	NowFn   func() time.Time
}

func NewService(deps Dependencies) *Service {
	s := &Service{
		cfg:       deps.Config,
		providers: deps.Providers,
		validator: deps.Validator,
		mfa:       deps.MFA,
		events:    deps.Events,
		bus:       deps.SyncBus,
		logger:    deps.Logger,
		nowFn:     deps.NowFn,
		sessions:  make(map[string]*tracked),
	}
	if s.validator == nil {
		s.validator = validation.New()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.nowFn == nil {
		s.nowFn = func() time.Time { return time.Now().UTC() }
	}
	if s.cfg.DefaultProvider == "" {
		s.cfg.DefaultProvider = domain.ProviderPassword
	}
	return s
}

// tracked is the facade's record of one session. It is the SessionHolder the
// refresh manager reads and writes.
type tracked struct {
	mu          sync.Mutex
	session     domain.AuthSession
	status      SessionStatus
	challengeID string
	endReason   EndReason
	updatedAt   time.Time
	// pendingUntil is the challenge deadline while status is pending_mfa.
	pendingUntil time.Time
	// heldToken keeps a provider token out of the pending session until the
	// challenge completes. reissue asks CompleteMFA to mint a fresh pair instead.
	heldToken domain.AuthToken
	reissue   bool

	timeout *sessiontimeout.Manager
	refresh *tokenrefresh.Manager
}

func (t *tracked) Session(context.Context) (domain.AuthSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == SessionEnded {
		return domain.AuthSession{}, domain.NewAuthError(domain.ErrorSessionExpired, "session ended")
	}
	return t.session, nil
}

func (t *tracked) UpdateSession(_ context.Context, session domain.AuthSession) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == SessionEnded {
		return domain.NewAuthError(domain.ErrorSessionExpired, "session ended")
	}
	session.ID = t.session.ID
	session.IsActive = t.session.IsActive
	if !session.Token.ExpiresAt.IsZero() {
		session.ExpiresAt = session.Token.ExpiresAt
	}
	t.session = session
	return nil
}

func (t *tracked) view() SessionView {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := SessionView{Session: t.session, Status: t.status, EndReason: t.endReason, UpdatedAt: t.updatedAt}
	if t.timeout != nil {
		state := t.timeout.State()
		v.Timeout = &state
	}
	return v
}

// providerRefresher resolves the authenticator at refresh time so a provider
// re-registered under the same name is picked up.
type providerRefresher struct {
	providers *providers.Manager
	name      string
}

func (r providerRefresher) RefreshToken(ctx context.Context, session domain.AuthSession) (domain.AuthSession, error) {
	auth, ok := r.providers.GetProvider(r.name)
	if !ok {
		return domain.AuthSession{}, domain.NewAuthError(domain.ErrorProviderUnavailable, "provider "+r.name+" is no longer registered")
	}
	return auth.RefreshToken(ctx, session)
}

func (s *Service) lookup(sessionID string) (*tracked, error) {
	s.mu.RLock()
	t, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.NewAuthError(domain.ErrorSessionExpired, "session not found or ended")
	}
	if t.pendingExpired(s.nowFn()) {
		s.endSession(context.Background(), t, EndMFAExpired, fromCaller)
		return nil, domain.NewAuthError(domain.ErrorSessionExpired, "mfa challenge expired before completion")
	}
	return t, nil
}

func (t *tracked) pendingExpired(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status == SessionPendingMFA && !t.pendingUntil.IsZero() && !now.Before(t.pendingUntil)
}

// ExpirePendingLogins ends every login whose MFA challenge deadline has
// passed and returns how many it ended.
func (s *Service) ExpirePendingLogins(ctx context.Context) int {
	now := s.nowFn()
	s.mu.RLock()
	var due []*tracked
	for _, t := range s.sessions {
		if t.pendingExpired(now) {
			due = append(due, t)
		}
	}
	s.mu.RUnlock()
	ended := 0
	for _, t := range due {
		if s.endSession(ctx, t, EndMFAExpired, fromCaller) {
			ended++
		}
	}
	return ended
}

// Session returns a snapshot of a tracked session.
func (s *Service) Session(sessionID string) (SessionView, error) {
	t, err := s.lookup(sessionID)
	if err != nil {
		return SessionView{}, err
	}
	return t.view(), nil
}

// ActiveSessions counts tracked sessions, including those still waiting on
// an unexpired MFA challenge.
func (s *Service) ActiveSessions() int {
	s.ExpirePendingLogins(context.Background())
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
