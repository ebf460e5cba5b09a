package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/viralforge/authcore/internal/application"
	"github.com/viralforge/authcore/internal/application/mfa"
	"github.com/viralforge/authcore/internal/application/sessiontimeout"
	"github.com/viralforge/authcore/internal/application/validation"
	"github.com/viralforge/authcore/internal/domain"
)

type loginRequest struct {
	Provider   domain.ProviderType `json:"provider"`
	Username   string              `json:"username"`
	Email      string              `json:"email"`
	Password   string              `json:"password"`
	Token      string              `json:"token"`
	Claims     map[string]string   `json:"claims"`
	RequireMFA bool                `json:"require_mfa"`
	DeviceID   string              `json:"device_id"`
	RiskScore  float64             `json:"risk_score"`
}

type verifyRequest struct {
	Method    domain.MFAMethod `json:"method"`
	Code      string           `json:"code"`
	Signature string           `json:"signature"`
	Nonce     string           `json:"nonce"`
}

func (v verifyRequest) payload() mfa.VerifyPayload {
	return mfa.VerifyPayload{Code: v.Code, Signature: v.Signature, Nonce: v.Nonce}
}

type enrollRequest struct {
	Method domain.MFAMethod `json:"method"`
	mfa.EnrollParams
}

type sendRequest struct {
	Method domain.MFAMethod `json:"method"`
}

type stepUpRequest struct {
	RequiredMethods []domain.MFAMethod `json:"required_methods"`
}

type extendRequest struct {
	Duration string `json:"duration"`
}

type activityRequest struct {
	Kind sessiontimeout.ActivityKind `json:"kind"`
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			logHTTPOperationError(r.Context(), "readyz", http.StatusServiceUnavailable, domain.ErrorProviderUnavailable, err)
			writeFailure(w, http.StatusServiceUnavailable, domain.WrapAuthError(domain.ErrorProviderUnavailable, "not ready", err))
			return
		}
	}
	writeSuccess(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, "login", &req) {
		return
	}
	creds := domain.AuthCredentials{
		Provider: req.Provider,
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Token:    req.Token,
	}
	for k, v := range req.Claims {
		creds = creds.WithClaim(k, v)
	}
	resp, err := h.service.Login(r.Context(), application.LoginRequest{
		Credentials: creds,
		Security: &validation.SecurityContext{
			IPAddress: readIP(r),
			UserAgent: r.UserAgent(),
			DeviceID:  req.DeviceID,
			RiskScore: req.RiskScore,
		},
		RequireMFA: req.RequireMFA,
	})
	if err != nil {
		h.fail(w, r, "login", err)
		return
	}
	writeSuccess(w, http.StatusOK, redactPending(resp))
}

// redactPending withholds tokens until the second factor is done.
func redactPending(resp application.LoginResponse) application.LoginResponse {
	if resp.Status == application.SessionPendingMFA {
		resp.Session.Token = domain.AuthToken{}
	}
	return resp
}

func (h *Handler) completeMFA(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !h.decode(w, r, "complete_mfa", &req) {
		return
	}
	resp, err := h.service.CompleteMFA(r.Context(), sessionIDParam(r), req.Method, req.payload())
	if err != nil {
		h.fail(w, r, "complete_mfa", err)
		return
	}
	writeSuccess(w, http.StatusOK, redactPending(resp))
}

func (h *Handler) oidcAuthorize(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	starter, ok := h.starters[provider]
	if !ok {
		h.fail(w, r, "oidc_authorize", domain.NewAuthError(domain.ErrorMethodNotSupported, "unknown redirect provider "+provider))
		return
	}
	redirectURI := strings.TrimSpace(r.URL.Query().Get("redirect_uri"))
	if redirectURI == "" {
		h.fail(w, r, "oidc_authorize", domain.NewAuthError(domain.ErrorValidation, "redirect_uri is required"))
		return
	}
	req, err := starter.BeginAuthorization(r.Context(), redirectURI)
	if err != nil {
		h.fail(w, r, "oidc_authorize", err)
		return
	}
	writeSuccess(w, http.StatusOK, req)
}

func (h *Handler) refreshSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.service.RefreshSession(r.Context(), sessionIDParam(r))
	if err != nil {
		h.fail(w, r, "refresh_session", err)
		return
	}
	writeSuccess(w, http.StatusOK, session)
}

func (h *Handler) validateSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.service.ValidateSession(r.Context(), sessionIDParam(r))
	if err != nil {
		h.fail(w, r, "validate_session", err)
		return
	}
	session.Token = domain.AuthToken{ExpiresAt: session.Token.ExpiresAt, TokenType: session.Token.TokenType}
	writeSuccess(w, http.StatusOK, session)
}

func (h *Handler) extendSession(w http.ResponseWriter, r *http.Request) {
	var req extendRequest
	if !h.decode(w, r, "extend_session", &req) {
		return
	}
	var d time.Duration
	if req.Duration != "" {
		parsed, err := time.ParseDuration(req.Duration)
		if err != nil || parsed < 0 {
			h.fail(w, r, "extend_session", domain.NewAuthError(domain.ErrorValidation, "duration must be a non-negative Go duration"))
			return
		}
		d = parsed
	}
	state, err := h.service.ExtendSession(r.Context(), sessionIDParam(r), d)
	if err != nil {
		h.fail(w, r, "extend_session", err)
		return
	}
	writeSuccess(w, http.StatusOK, state)
}

func (h *Handler) recordActivity(w http.ResponseWriter, r *http.Request) {
	var req activityRequest
	if !h.decode(w, r, "record_activity", &req) {
		return
	}
	if err := h.service.RecordActivity(r.Context(), sessionIDParam(r), req.Kind); err != nil {
		h.fail(w, r, "record_activity", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) timeoutState(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.SessionTimeoutState(sessionIDParam(r))
	if err != nil {
		h.fail(w, r, "timeout_state", err)
		return
	}
	writeSuccess(w, http.StatusOK, state)
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Logout(r.Context(), sessionIDParam(r)); err != nil {
		h.fail(w, r, "logout", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (h *Handler) mfaMethods(w http.ResponseWriter, r *http.Request) {
	methods, err := h.service.MFAMethods(r.Context(), ownerSessionID(r))
	if err != nil {
		h.fail(w, r, "mfa_methods", err)
		return
	}
	writeSuccess(w, http.StatusOK, methods)
}

func (h *Handler) mfaEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if !h.decode(w, r, "mfa_enroll", &req) {
		return
	}
	res, err := h.service.EnrollMFA(r.Context(), ownerSessionID(r), req.Method, req.EnrollParams)
	if err != nil {
		h.fail(w, r, "mfa_enroll", err)
		return
	}
	writeSuccess(w, http.StatusCreated, res)
}

func (h *Handler) mfaVerifyEnrollment(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !h.decode(w, r, "mfa_verify_enrollment", &req) {
		return
	}
	enrollment, err := h.service.VerifyMFAEnrollment(r.Context(), ownerSessionID(r), chi.URLParam(r, "enrollment_id"), req.payload())
	if err != nil {
		h.fail(w, r, "mfa_verify_enrollment", err)
		return
	}
	writeSuccess(w, http.StatusOK, enrollment)
}

func (h *Handler) mfaSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !h.decode(w, r, "mfa_send", &req) {
		return
	}
	res, err := h.service.SendMFACode(r.Context(), ownerSessionID(r), req.Method)
	if err != nil {
		h.fail(w, r, "mfa_send", err)
		return
	}
	writeSuccess(w, http.StatusOK, res)
}

// pendingMFASend delivers a challenge code to a login still waiting on MFA.
// Such a session carries no tokens yet, so its id is the credential.
func (h *Handler) pendingMFASend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !h.decode(w, r, "pending_mfa_send", &req) {
		return
	}
	res, err := h.service.SendPendingMFACode(r.Context(), sessionIDParam(r), req.Method)
	if err != nil {
		h.fail(w, r, "pending_mfa_send", err)
		return
	}
	writeSuccess(w, http.StatusOK, res)
}

func (h *Handler) mfaStepUp(w http.ResponseWriter, r *http.Request) {
	var req stepUpRequest
	if !h.decode(w, r, "mfa_step_up", &req) {
		return
	}
	ch, err := h.service.StepUpMFA(r.Context(), ownerSessionID(r), req.RequiredMethods)
	if err != nil {
		h.fail(w, r, "mfa_step_up", err)
		return
	}
	writeSuccess(w, http.StatusCreated, ch)
}

func (h *Handler) mfaVerifyStepUp(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !h.decode(w, r, "mfa_verify_step_up", &req) {
		return
	}
	ch, err := h.service.VerifyStepUp(r.Context(), ownerSessionID(r), chi.URLParam(r, "challenge_id"), req.Method, req.payload())
	if err != nil {
		h.fail(w, r, "mfa_verify_step_up", err)
		return
	}
	writeSuccess(w, http.StatusOK, ch)
}

func (h *Handler) mfaChallengeStatus(w http.ResponseWriter, r *http.Request) {
	ch, err := h.service.StepUpStatus(r.Context(), ownerSessionID(r), chi.URLParam(r, "challenge_id"))
	if err != nil {
		h.fail(w, r, "mfa_challenge_status", err)
		return
	}
	writeSuccess(w, http.StatusOK, ch)
}

func (h *Handler) mfaDisable(w http.ResponseWriter, r *http.Request) {
	method := domain.MFAMethod(chi.URLParam(r, "method"))
	if err := h.service.DisableMFA(r.Context(), ownerSessionID(r), method); err != nil {
		h.fail(w, r, "mfa_disable", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]string{"status": "disabled", "method": string(method)})
}

func (h *Handler) providerHealth(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, http.StatusOK, h.service.ProviderHealth())
}

func (h *Handler) providerStatistics(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, http.StatusOK, h.service.ManagerStatistics())
}

func (h *Handler) providerList(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, http.StatusOK, h.service.Providers())
}

func (h *Handler) refreshMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.service.RefreshMetrics(ownerSessionID(r))
	if err != nil {
		h.fail(w, r, "refresh_metrics", err)
		return
	}
	writeSuccess(w, http.StatusOK, metrics)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, operation string, err error) {
	status, authErr := mapAuthError(err)
	logHTTPOperationError(r.Context(), operation, status, authErr.Type, err)
	writeFailure(w, status, authErr)
}

// decode reads a single JSON object; an empty body decodes as the zero value.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, operation string, dst any) bool {
	if err := decodeBody(r, dst); err != nil {
		h.fail(w, r, operation, domain.WrapAuthError(domain.ErrorValidation, "malformed request body", err))
		return false
	}
	return true
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON value")
	}
	return nil
}

func ownerSessionID(r *http.Request) string {
	if view, ok := sessionFromContext(r.Context()); ok {
		return view.Session.ID
	}
	return ""
}

func readIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host := strings.TrimSpace(r.RemoteAddr)
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return strings.Trim(host, "[]")
}
