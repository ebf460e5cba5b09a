package application

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/viralforge/authcore/internal/application/mfa"
	"github.com/viralforge/authcore/internal/application/sessiontimeout"
	"github.com/viralforge/authcore/internal/application/tokenrefresh"
	"github.com/viralforge/authcore/internal/application/validation"
	"github.com/viralforge/authcore/internal/domain"
)

// Login validates the request, authenticates through the best provider and
// tracks the resulting session. When MFA applies the session waits in
// pending_mfa until CompleteMFA satisfies the challenge.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResponse, error) {
	s.ExpirePendingLogins(ctx)
	creds := req.Credentials
	if creds.Provider == "" {
		creds.Provider = s.cfg.DefaultProvider
	}
	ip := ""
	if req.Security != nil {
		ip = req.Security.IPAddress
	}
	now := s.nowFn()
	vctx := validation.Context{Now: now, Purpose: validation.PurposeLogin, Provider: creds.Provider}

	res := s.validator.ValidateCredentials(creds, vctx)
	warnings := res.Warnings
	if !res.IsValid {
		s.publish(ctx, eventLoginFailure, "", "", ip)
		return LoginResponse{}, res.FirstError()
	}
	if req.Security != nil {
		scRes := s.validator.ValidateSecurityContext(*req.Security, vctx)
		warnings = append(warnings, scRes.Warnings...)
		if !scRes.IsValid {
			s.publish(ctx, eventSuspicious, "", "", ip)
			return LoginResponse{}, scRes.FirstError()
		}
	}

	session, err := s.providers.Authenticate(ctx, creds.Provider, creds)
	if err != nil {
		eventType := eventLoginFailure
		if domain.ErrorTypeOf(err) == domain.ErrorAccountLocked {
			eventType = eventAccountLocked
		}
		s.publish(ctx, eventType, "", "", ip)
		s.logger.WarnContext(ctx, "login failed",
			"module", "application",
			"layer", "application",
			"operation", "login",
			"outcome", "failure",
			"provider_type", string(creds.Provider),
			"error", err,
		)
		return LoginResponse{}, err
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.ExpiresAt.IsZero() {
		session.ExpiresAt = session.Token.ExpiresAt
	}
	session.IsActive = false

	t := &tracked{session: session, status: SessionPendingMFA, updatedAt: now}

	if s.mfa != nil && (s.cfg.RequireMFA || req.RequireMFA) {
		ch, err := s.mfa.CreateChallenge(ctx, session.User.ID, s.cfg.MFARequiredMethods)
		switch {
		case err == nil:
			t.challengeID = ch.ID
			t.pendingUntil = ch.ExpiresAt
			s.withholdTokens(ctx, t)
			s.track(t)
			s.publish(ctx, eventMFAChallenge, session.User.ID, t.session.ID, ip)
			return LoginResponse{Session: t.session, Status: SessionPendingMFA, MFARequired: true, Challenge: &ch, Warnings: warnings}, nil
		case domain.ErrorTypeOf(err) == domain.ErrorNotEnrolled:
			// Nothing to challenge; the first factor alone establishes the session.
		default:
			return LoginResponse{}, err
		}
	}

	s.track(t)
	if err := s.establish(ctx, t); err != nil {
		return LoginResponse{}, err
	}
	s.publish(ctx, eventLoginSuccess, session.User.ID, session.ID, ip)
	view := t.view()
	return LoginResponse{Session: view.Session, Status: view.Status, Warnings: warnings}, nil
}

// CompleteMFA applies one factor to the pending session's challenge and
// establishes the session once the challenge completes.
func (s *Service) CompleteMFA(ctx context.Context, sessionID string, method domain.MFAMethod, payload mfa.VerifyPayload) (LoginResponse, error) {
	if s.mfa == nil {
		return LoginResponse{}, domain.NewAuthError(domain.ErrorMethodNotSupported, "mfa is not configured")
	}
	t, err := s.lookup(sessionID)
	if err != nil {
		return LoginResponse{}, err
	}
	t.mu.Lock()
	status, challengeID, userID := t.status, t.challengeID, t.session.User.ID
	t.mu.Unlock()
	if status != SessionPendingMFA {
		return LoginResponse{}, domain.NewAuthError(domain.ErrorInvalidState, "session is not waiting for mfa")
	}

	ch, err := s.mfa.VerifyChallenge(ctx, challengeID, method, payload)
	if err != nil {
		s.publish(ctx, eventMFAFailed, userID, sessionID, "")
		if ch.Status == domain.ChallengeFailed || ch.Status == domain.ChallengeExpired || domain.ErrorTypeOf(err) == domain.ErrorChallengeNotFound {
			s.endSession(ctx, t, EndMFAFailed, fromCaller)
		}
		return LoginResponse{}, err
	}
	if ch.Status != domain.ChallengeCompleted {
		view := t.view()
		return LoginResponse{Session: view.Session, Status: view.Status, MFARequired: true, Challenge: &ch}, nil
	}

	if err := s.releaseTokens(ctx, t); err != nil {
		s.endSession(ctx, t, EndMFAFailed, fromCaller)
		return LoginResponse{}, err
	}
	if err := s.establish(ctx, t); err != nil {
		return LoginResponse{}, err
	}
	s.publish(ctx, eventMFAVerified, userID, sessionID, "")
	s.publish(ctx, eventLoginSuccess, userID, sessionID, "")
	view := t.view()
	return LoginResponse{Session: view.Session, Status: view.Status, Challenge: &ch}, nil
}

// Logout ends the session, stops its background managers and revokes its tokens.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	t, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	s.endSession(ctx, t, EndLogout, fromCaller)
	return nil
}

func (s *Service) track(t *tracked) {
	s.mu.Lock()
	s.sessions[t.session.ID] = t
	s.mu.Unlock()
}

// withholdTokens keeps first-factor tokens out of a session that still owes a
// second factor. A pair minted by our own token manager is revoked and the
// session moves to a fresh id so CompleteMFA can issue a new pair; a provider
// token is held back until the challenge completes.
func (s *Service) withholdTokens(ctx context.Context, t *tracked) {
	tm, ok := s.providers.GetTokenManager(t.session.ProviderName)
	if !ok {
		t.heldToken = t.session.Token
		t.session.Token = domain.AuthToken{}
		return
	}
	if err := tm.Revoke(ctx, t.session.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.logFailure(ctx, "withhold_tokens", t.session.ID, err)
	}
	t.session.ID = uuid.NewString()
	t.session.Token = domain.AuthToken{}
	t.reissue = true
}

// releaseTokens hands the session the tokens it earns once MFA completes.
func (s *Service) releaseTokens(ctx context.Context, t *tracked) error {
	t.mu.Lock()
	session, token, reissue := t.session, t.heldToken, t.reissue
	t.mu.Unlock()
	if reissue {
		tm, ok := s.providers.GetTokenManager(session.ProviderName)
		if !ok {
			return domain.NewAuthError(domain.ErrorProviderUnavailable, "no token manager for "+session.ProviderName)
		}
		issued, err := tm.Issue(ctx, session.User, session.ID)
		if err != nil {
			return err
		}
		token = issued
	}
	t.mu.Lock()
	t.session.Token = token
	if !token.ExpiresAt.IsZero() {
		t.session.ExpiresAt = token.ExpiresAt
	}
	t.heldToken, t.reissue = domain.AuthToken{}, false
	t.mu.Unlock()
	return nil
}

// establish marks the session active and starts its timeout and refresh managers.
func (s *Service) establish(ctx context.Context, t *tracked) error {
	now := s.nowFn()
	t.mu.Lock()
	t.status = SessionActive
	t.session.IsActive = true
	t.updatedAt = now
	session := t.session
	t.mu.Unlock()

	timeout := sessiontimeout.NewManager(session.ID, s.cfg.Timeout,
		sessiontimeout.WithSyncBus(s.bus),
		sessiontimeout.WithLogger(s.logger),
		sessiontimeout.WithClock(s.nowFn),
	)
	timeout.Subscribe(func(ev sessiontimeout.Event) { s.onTimeoutEvent(t, ev) })
	refresh := tokenrefresh.NewManager(session.ID, t, providerRefresher{providers: s.providers, name: session.ProviderName},
		tokenrefresh.WithSyncBus(s.bus),
		tokenrefresh.WithLogger(s.logger),
		tokenrefresh.WithClock(s.nowFn),
	)

	t.mu.Lock()
	t.timeout, t.refresh = timeout, refresh
	t.mu.Unlock()

	if err := timeout.Start(ctx); err != nil {
		s.endSession(ctx, t, EndShutdown, fromCaller)
		return domain.WrapAuthError(domain.ErrorServer, "start session timeout", err)
	}
	opts := s.cfg.Refresh
	opts.OnSuccess = func(updated domain.AuthSession) {
		s.publish(context.Background(), eventTokenRefreshed, updated.User.ID, updated.ID, "")
	}
	opts.OnError = func(err error) { s.onRefreshError(t, err) }
	if err := refresh.Start(ctx, opts); err != nil {
		s.endSession(ctx, t, EndShutdown, fromCaller)
		return domain.WrapAuthError(domain.ErrorServer, "start token refresh", err)
	}
	s.logger.InfoContext(ctx, "session established",
		"module", "application",
		"layer", "application",
		"operation", "establish_session",
		"outcome", "success",
		"session_id", session.ID,
		"provider", session.ProviderName,
	)
	return nil
}

func (s *Service) onTimeoutEvent(t *tracked, ev sessiontimeout.Event) {
	switch ev.Type {
	case sessiontimeout.EventTimeout:
		s.endSession(context.Background(), t, EndTimeout, fromTimeout)
	case sessiontimeout.EventWarning, sessiontimeout.EventFinalWarning:
		s.logger.Info("session timeout warning",
			"module", "application",
			"layer", "application",
			"operation", "session_timeout",
			"outcome", string(ev.Type),
			"session_id", ev.SessionID,
			"time_remaining", ev.State.TimeRemaining.String(),
		)
	}
}

// onRefreshError ends the session when renewal can no longer succeed: the
// provider rejected the refresh grant, or the token has lapsed while the
// circuit is open.
func (s *Service) onRefreshError(t *tracked, err error) {
	switch domain.ErrorTypeOf(err) {
	case domain.ErrorTokenInvalid, domain.ErrorTokenExpired, domain.ErrorCredentialsInvalid:
		s.endSession(context.Background(), t, EndRefreshFailed, fromRefresh)
		return
	}
	t.mu.Lock()
	lapsed := t.session.Token.IsExpired(s.nowFn())
	refresh := t.refresh
	t.mu.Unlock()
	if lapsed && refresh != nil && refresh.Metrics().CircuitOpen {
		s.endSession(context.Background(), t, EndRefreshFailed, fromRefresh)
	}
}

// endOrigin names the manager, if any, whose own callback is ending the
// session. That manager is cancelled rather than stopped because Stop waits
// for the callback that is calling it.
type endOrigin int

const (
	fromCaller endOrigin = iota
	fromTimeout
	fromRefresh
)

// endSession is idempotent; only the first caller performs the teardown.
func (s *Service) endSession(ctx context.Context, t *tracked, reason EndReason, from endOrigin) bool {
	t.mu.Lock()
	if t.status == SessionEnded {
		t.mu.Unlock()
		return false
	}
	t.status = SessionEnded
	t.endReason = reason
	t.session = t.session.Deactivate()
	t.updatedAt = s.nowFn()
	session, challengeID := t.session, t.challengeID
	timeout, refresh := t.timeout, t.refresh
	t.mu.Unlock()

	s.mu.Lock()
	if s.sessions[session.ID] == t {
		delete(s.sessions, session.ID)
	}
	s.mu.Unlock()

	if refresh != nil {
		if from == fromRefresh {
			refresh.Cancel()
		} else {
			refresh.Stop()
		}
	}
	if timeout != nil {
		if from == fromTimeout {
			timeout.Cancel()
		} else {
			timeout.Stop()
		}
	}
	if challengeID != "" && s.mfa != nil {
		if err := s.mfa.CancelChallenge(ctx, challengeID); err != nil {
			s.logFailure(ctx, "end_session", session.ID, err)
		}
	}
	if tm, ok := s.providers.GetTokenManager(session.ProviderName); ok {
		if err := tm.Revoke(ctx, session.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.logFailure(ctx, "revoke_tokens", session.ID, err)
		}
	}

	eventType := eventSessionExpired
	if reason == EndLogout {
		eventType = eventLogout
	}
	s.publish(ctx, eventType, session.User.ID, session.ID, "")
	s.logger.InfoContext(ctx, "session ended",
		"module", "application",
		"layer", "application",
		"operation", "end_session",
		"outcome", string(reason),
		"session_id", session.ID,
	)
	return true
}

func (s *Service) logFailure(ctx context.Context, operation, sessionID string, err error) {
	s.logger.WarnContext(ctx, "session teardown step failed",
		"module", "application",
		"layer", "application",
		"operation", operation,
		"outcome", "failure",
		"session_id", sessionID,
		"error", err,
	)
}
