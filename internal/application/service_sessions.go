package application

import (
	"context"
	"time"

	"github.com/viralforge/authcore/internal/application/providers"
	"github.com/viralforge/authcore/internal/application/sessiontimeout"
	"github.com/viralforge/authcore/internal/application/tokenrefresh"
	"github.com/viralforge/authcore/internal/application/validation"
	"github.com/viralforge/authcore/internal/domain"
)

// activeSession returns the tracked session and its managers, failing for
// sessions still waiting on MFA.
func (s *Service) activeSession(sessionID string) (*tracked, domain.AuthSession, *sessiontimeout.Manager, *tokenrefresh.Manager, error) {
	t, err := s.lookup(sessionID)
	if err != nil {
		return nil, domain.AuthSession{}, nil, nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.status {
	case SessionPendingMFA:
		return nil, domain.AuthSession{}, nil, nil, domain.NewAuthError(domain.ErrorInvalidState, "session is waiting for mfa")
	case SessionEnded:
		return nil, domain.AuthSession{}, nil, nil, domain.NewAuthError(domain.ErrorSessionExpired, "session ended")
	}
	return t, t.session, t.timeout, t.refresh, nil
}

// ValidateSession checks timeout, token expiry, token shape and finally asks
// the issuing provider whether the session is still valid.
func (s *Service) ValidateSession(ctx context.Context, sessionID string) (domain.AuthSession, error) {
	t, session, timeout, _, err := s.activeSession(sessionID)
	if err != nil {
		return domain.AuthSession{}, err
	}
	if timeout.Check() {
		s.endSession(ctx, t, EndTimeout, fromCaller)
		return domain.AuthSession{}, domain.NewAuthError(domain.ErrorSessionExpired, "session timed out")
	}
	now := s.nowFn()
	if session.Token.IsExpired(now) {
		return domain.AuthSession{}, domain.NewAuthError(domain.ErrorTokenExpired, "access token expired")
	}
	if res := s.validator.ValidateToken(session.Token, validation.Context{Now: now, Provider: session.Provider}); !res.IsValid {
		return domain.AuthSession{}, res.FirstError()
	}
	auth, ok := s.providers.GetProvider(session.ProviderName)
	if !ok {
		return domain.AuthSession{}, domain.NewAuthError(domain.ErrorProviderUnavailable, "provider "+session.ProviderName+" is no longer registered")
	}
	valid, err := auth.ValidateSession(ctx, session)
	if err != nil {
		return domain.AuthSession{}, err
	}
	if !valid {
		return domain.AuthSession{}, domain.NewAuthError(domain.ErrorTokenInvalid, "provider rejected the session")
	}
	return session, nil
}

// RefreshSession renews the session's token now, outside the background schedule.
func (s *Service) RefreshSession(ctx context.Context, sessionID string) (domain.AuthSession, error) {
	_, _, _, refresh, err := s.activeSession(sessionID)
	if err != nil {
		return domain.AuthSession{}, err
	}
	return refresh.RefreshNow(ctx)
}

// ExtendSession grants one bounded extension of the session window.
func (s *Service) ExtendSession(ctx context.Context, sessionID string, d time.Duration) (domain.SessionTimeoutState, error) {
	_, session, timeout, _, err := s.activeSession(sessionID)
	if err != nil {
		return domain.SessionTimeoutState{}, err
	}
	timeout.Check()
	if !timeout.ExtendSession(d) {
		if timeout.IsExpired() {
			return timeout.State(), domain.NewAuthError(domain.ErrorSessionExpired, "session already expired")
		}
		return timeout.State(), domain.NewAuthError(domain.ErrorInvalidState, "no extensions left")
	}
	s.publish(ctx, eventSessionExtended, session.User.ID, session.ID, "")
	return timeout.State(), nil
}

// RecordActivity resets the inactivity timer.
func (s *Service) RecordActivity(_ context.Context, sessionID string, kind sessiontimeout.ActivityKind) error {
	_, _, timeout, _, err := s.activeSession(sessionID)
	if err != nil {
		return err
	}
	if kind == "" {
		kind = sessiontimeout.ActivityAPI
	}
	if timeout.Check() || !timeout.RecordActivity(kind) {
		return domain.NewAuthError(domain.ErrorSessionExpired, "session already expired")
	}
	return nil
}

func (s *Service) SessionTimeoutState(sessionID string) (domain.SessionTimeoutState, error) {
	_, _, timeout, _, err := s.activeSession(sessionID)
	if err != nil {
		return domain.SessionTimeoutState{}, err
	}
	return timeout.State(), nil
}

func (s *Service) RefreshMetrics(sessionID string) (tokenrefresh.Metrics, error) {
	_, _, _, refresh, err := s.activeSession(sessionID)
	if err != nil {
		return tokenrefresh.Metrics{}, err
	}
	return refresh.Metrics(), nil
}

func (s *Service) ProviderHealth() map[string]domain.HealthCheckResult {
	return s.providers.ProviderHealth()
}

func (s *Service) ManagerStatistics() providers.ManagerStatistics {
	return s.providers.GetManagerStatistics()
}

func (s *Service) Providers() []providers.ProviderInfo {
	return s.providers.ListProviders()
}

// Shutdown ends every tracked session and shuts providers down within timeout.
func (s *Service) Shutdown(ctx context.Context, timeout time.Duration) (providers.BulkResult, error) {
	s.mu.RLock()
	all := make([]*tracked, 0, len(s.sessions))
	for _, t := range s.sessions {
		all = append(all, t)
	}
	s.mu.RUnlock()
	for _, t := range all {
		s.endSession(ctx, t, EndShutdown, fromCaller)
	}
	return s.providers.ShutdownAllProviders(ctx, timeout)
}
