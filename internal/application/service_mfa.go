package application

import (
	"context"

	"github.com/viralforge/authcore/internal/application/mfa"
	"github.com/viralforge/authcore/internal/domain"
)

// MFA exposes the orchestrator for enrollment management. It returns an error
// when no second factor is configured.
func (s *Service) MFA() (*mfa.Orchestrator, error) {
	if s.mfa == nil {
		return nil, domain.NewAuthError(domain.ErrorMethodNotSupported, "mfa is not configured")
	}
	return s.mfa, nil
}

// EnrollMFA enrolls the owner of an active session in a second-factor method.
func (s *Service) EnrollMFA(ctx context.Context, sessionID string, method domain.MFAMethod, params mfa.EnrollParams) (mfa.EnrollmentResult, error) {
	orch, err := s.MFA()
	if err != nil {
		return mfa.EnrollmentResult{}, err
	}
	_, session, _, _, err := s.activeSession(sessionID)
	if err != nil {
		return mfa.EnrollmentResult{}, err
	}
	if params.AccountName == "" {
		params.AccountName = session.User.Email
	}
	return orch.EnrollMethod(ctx, session.User.ID, method, params)
}

// SendMFACode delivers a code for either an active session's owner or the
// owner of a session waiting on MFA.
func (s *Service) SendMFACode(ctx context.Context, sessionID string, method domain.MFAMethod) (mfa.SendResult, error) {
	orch, err := s.MFA()
	if err != nil {
		return mfa.SendResult{}, err
	}
	t, err := s.lookup(sessionID)
	if err != nil {
		return mfa.SendResult{}, err
	}
	t.mu.Lock()
	userID := t.session.User.ID
	t.mu.Unlock()
	return orch.SendVerification(ctx, userID, method)
}

// SendPendingMFACode delivers a challenge code for a login waiting on MFA.
// The pending session id returned by Login is the only credential it needs,
// so it refuses sessions in any other state.
func (s *Service) SendPendingMFACode(ctx context.Context, sessionID string, method domain.MFAMethod) (mfa.SendResult, error) {
	orch, err := s.MFA()
	if err != nil {
		return mfa.SendResult{}, err
	}
	t, err := s.lookup(sessionID)
	if err != nil {
		return mfa.SendResult{}, err
	}
	t.mu.Lock()
	status, userID := t.status, t.session.User.ID
	t.mu.Unlock()
	if status != SessionPendingMFA {
		return mfa.SendResult{}, domain.NewAuthError(domain.ErrorInvalidState, "session is not waiting for mfa")
	}
	return orch.SendVerification(ctx, userID, method)
}

// MFAMethods lists the methods available to the session's owner.
func (s *Service) MFAMethods(ctx context.Context, sessionID string) ([]mfa.MethodAvailability, error) {
	orch, err := s.MFA()
	if err != nil {
		return nil, err
	}
	t, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	userID := t.session.User.ID
	t.mu.Unlock()
	return orch.AvailableMethods(ctx, userID)
}

// DisableMFA disables a method for the owner of an active session.
func (s *Service) DisableMFA(ctx context.Context, sessionID string, method domain.MFAMethod) error {
	orch, err := s.MFA()
	if err != nil {
		return err
	}
	_, session, _, _, err := s.activeSession(sessionID)
	if err != nil {
		return err
	}
	return orch.DisableMethod(ctx, session.User.ID, method)
}

// VerifyMFAEnrollment activates one of the session owner's pending enrollments.
func (s *Service) VerifyMFAEnrollment(ctx context.Context, sessionID, enrollmentID string, payload mfa.VerifyPayload) (domain.MFAEnrollment, error) {
	orch, err := s.MFA()
	if err != nil {
		return domain.MFAEnrollment{}, err
	}
	_, session, _, _, err := s.activeSession(sessionID)
	if err != nil {
		return domain.MFAEnrollment{}, err
	}
	owned, err := orch.ListEnrollments(ctx, session.User.ID)
	if err != nil {
		return domain.MFAEnrollment{}, err
	}
	for _, e := range owned {
		if e.ID == enrollmentID {
			return orch.VerifyEnrollment(ctx, enrollmentID, payload)
		}
	}
	return domain.MFAEnrollment{}, domain.WrapAuthError(domain.ErrorNotEnrolled, "enrollment not found", domain.ErrNotFound)
}

// StepUpMFA opens a fresh challenge for an already active session, for
// operations that want a recent second factor.
func (s *Service) StepUpMFA(ctx context.Context, sessionID string, required []domain.MFAMethod) (domain.MFAChallenge, error) {
	orch, err := s.MFA()
	if err != nil {
		return domain.MFAChallenge{}, err
	}
	_, session, _, _, err := s.activeSession(sessionID)
	if err != nil {
		return domain.MFAChallenge{}, err
	}
	ch, err := orch.CreateChallenge(ctx, session.User.ID, required)
	if err != nil {
		return domain.MFAChallenge{}, err
	}
	s.publish(ctx, eventMFAChallenge, session.User.ID, sessionID, "")
	return ch, nil
}

// VerifyStepUp applies one factor to a step-up challenge owned by the session's user.
func (s *Service) VerifyStepUp(ctx context.Context, sessionID, challengeID string, method domain.MFAMethod, payload mfa.VerifyPayload) (domain.MFAChallenge, error) {
	orch, session, err := s.stepUpOwner(ctx, sessionID, challengeID)
	if err != nil {
		return domain.MFAChallenge{}, err
	}
	ch, err := orch.VerifyChallenge(ctx, challengeID, method, payload)
	if err != nil {
		s.publish(ctx, eventMFAFailed, session.User.ID, sessionID, "")
		return ch, err
	}
	if ch.Status == domain.ChallengeCompleted {
		s.publish(ctx, eventMFAVerified, session.User.ID, sessionID, "")
	}
	return ch, nil
}

// StepUpStatus reports a step-up challenge owned by the session's user.
func (s *Service) StepUpStatus(ctx context.Context, sessionID, challengeID string) (domain.MFAChallenge, error) {
	orch, _, err := s.stepUpOwner(ctx, sessionID, challengeID)
	if err != nil {
		return domain.MFAChallenge{}, err
	}
	return orch.ChallengeStatus(ctx, challengeID)
}

func (s *Service) stepUpOwner(ctx context.Context, sessionID, challengeID string) (*mfa.Orchestrator, domain.AuthSession, error) {
	orch, err := s.MFA()
	if err != nil {
		return nil, domain.AuthSession{}, err
	}
	_, session, _, _, err := s.activeSession(sessionID)
	if err != nil {
		return nil, domain.AuthSession{}, err
	}
	ch, err := orch.ChallengeStatus(ctx, challengeID)
	if err != nil {
		return nil, domain.AuthSession{}, err
	}
	if ch.UserID != session.User.ID {
		return nil, domain.AuthSession{}, domain.NewAuthError(domain.ErrorChallengeNotFound, "challenge not found")
	}
	return orch, session, nil
}
