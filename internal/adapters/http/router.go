// Package http exposes the auth service over chi routes. Every response body
// is a domain.Result envelope.
package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/viralforge/authcore/internal/adapters/authenticators"
	"github.com/viralforge/authcore/internal/application"
)

// AuthorizationStarter begins a redirect-based login, e.g. an OIDC provider.
type AuthorizationStarter interface {
	BeginAuthorization(ctx context.Context, redirectURI string) (authenticators.AuthorizationRequest, error)
}

// Handler is the HTTP adapter entrypoint for the auth service.
type Handler struct {
	service  *application.Service
	starters map[string]AuthorizationStarter
	ready    func(context.Context) error
}

type HandlerOption func(*Handler)

// WithAuthorizationStarter exposes provider's redirect login under /auth/v1/oidc/{provider}/authorize.
func WithAuthorizationStarter(provider string, starter AuthorizationStarter) HandlerOption {
	return func(h *Handler) { h.starters[provider] = starter }
}

// WithReadiness makes /readyz report the result of check.
func WithReadiness(check func(context.Context) error) HandlerOption {
	return func(h *Handler) { h.ready = check }
}

func NewHandler(service *application.Service, opts ...HandlerOption) *Handler {
	h := &Handler{service: service, starters: make(map[string]AuthorizationStarter)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewRouter registers the authcore routes and middleware stack.
func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)

	r.Get("/healthz", handler.healthz)
	r.Get("/readyz", handler.readyz)

	r.Route("/auth/v1", func(r chi.Router) {
		r.Post("/login", handler.login)
		r.Post("/sessions/{session_id}/mfa", handler.completeMFA)
		r.Post("/sessions/{session_id}/mfa/send", handler.pendingMFASend)
		r.Get("/oidc/{provider}/authorize", handler.oidcAuthorize)

		r.Group(func(r chi.Router) {
			r.Use(handler.sessionOwner)
			r.Post("/sessions/{session_id}/refresh", handler.refreshSession)
			r.Get("/sessions/{session_id}/validate", handler.validateSession)
			r.Post("/sessions/{session_id}/extend", handler.extendSession)
			r.Post("/sessions/{session_id}/activity", handler.recordActivity)
			r.Get("/sessions/{session_id}/timeout", handler.timeoutState)
			r.Get("/sessions/{session_id}/refresh-metrics", handler.refreshMetrics)
			r.Delete("/sessions/{session_id}", handler.logout)

			r.Get("/mfa/methods", handler.mfaMethods)
			r.Post("/mfa/enroll", handler.mfaEnroll)
			r.Post("/mfa/enrollments/{enrollment_id}/verify", handler.mfaVerifyEnrollment)
			r.Post("/mfa/send", handler.mfaSend)
			r.Post("/mfa/challenges", handler.mfaStepUp)
			r.Post("/mfa/challenges/{challenge_id}/verify", handler.mfaVerifyStepUp)
			r.Get("/mfa/challenges/{challenge_id}", handler.mfaChallengeStatus)
			r.Delete("/mfa/methods/{method}", handler.mfaDisable)
		})
	})

	r.Route("/ops", func(r chi.Router) {
		r.Get("/providers/health", handler.providerHealth)
		r.Get("/providers/statistics", handler.providerStatistics)
		r.Get("/providers", handler.providerList)
	})
	return r
}

func sessionIDParam(r *http.Request) string {
	return chi.URLParam(r, "session_id")
}
