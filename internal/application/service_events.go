package application

import (
	"context"
	"encoding/json"

	"github.com/viralforge/authcore/internal/application/validation"
)

const (
	eventLoginSuccess    = "login_success"
	eventLoginFailure    = "login_failure"
	eventLogout          = "logout"
	eventSessionExpired  = "session_expired"
	eventSessionExtended = "session_extended"
	eventTokenRefreshed  = "token_refreshed"
	eventMFAChallenge    = "mfa_challenge"
	eventMFAVerified     = "mfa_verified"
	eventMFAFailed       = "mfa_failed"
	eventAccountLocked   = "account_locked"
	eventSuspicious      = "suspicious_access"
)

// publish validates and emits a security event. Delivery is best effort: a
// broker failure is logged and never fails the auth operation.
func (s *Service) publish(ctx context.Context, eventType, userID, sessionID, ipAddress string) {
	if s.events == nil {
		return
	}
	event := validation.SecurityEvent{
		Type:       eventType,
		UserID:     userID,
		SessionID:  sessionID,
		IPAddress:  ipAddress,
		OccurredAt: s.nowFn(),
	}
	if res := s.validator.ValidateEvent(event, validation.Context{Now: event.OccurredAt}); !res.IsValid {
		s.logger.WarnContext(ctx, "dropping invalid security event",
			"module", "application",
			"layer", "application",
			"operation", "publish_event",
			"outcome", "invalid",
			"event_type", eventType,
			"error", res.FirstError(),
		)
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := s.events.Publish(ctx, eventType, payload); err != nil {
		s.logger.WarnContext(ctx, "failed to publish security event",
			"module", "application",
			"layer", "application",
			"operation", "publish_event",
			"outcome", "failure",
			"event_type", eventType,
			"session_id", sessionID,
			"error", err,
		)
	}
}
