package http

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/viralforge/authcore/internal/application"
	"github.com/viralforge/authcore/internal/domain"
)

type ctxKey string

const (
	ctxKeyRequestID ctxKey = "request_id"
	ctxKeySession   ctxKey = "session"
)

const maxRequestIDLength = 128

// requestIDMiddleware propagates a caller supplied X-Request-Id when it is a
// short printable token and mints one otherwise.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if !validRequestID(reqID) {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] <= ' ' || id[i] > '~' {
			return false
		}
	}
	return true
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				httpLogger().ErrorContext(r.Context(), "panic recovered",
					"operation", "http_panic_recovery",
					"outcome", "failure",
					"request_id", requestIDFromContext(r.Context()),
					"method", r.Method,
					"route", routePattern(r),
					"panic", rec,
				)
				writeFailure(w, http.StatusInternalServerError, domain.NewAuthError(domain.ErrorServer, "internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Write(payload []byte) (int, error) {
	if r.statusCode == 0 {
		r.statusCode = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(payload)
	r.bytes += n
	return n, err
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		statusCode := recorder.statusCode
		if statusCode == 0 {
			statusCode = http.StatusOK
		}
		outcome := "success"
		if statusCode >= 400 {
			outcome = "failure"
		}
		fields := []any{
			"operation", "http_request",
			"outcome", outcome,
			"method", r.Method,
			"route", routePattern(r),
			"status_code", statusCode,
			"bytes", recorder.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestIDFromContext(r.Context()),
		}
		switch {
		case statusCode >= 500:
			httpLogger().ErrorContext(r.Context(), "http request completed", fields...)
		case statusCode >= 400:
			httpLogger().WarnContext(r.Context(), "http request completed", fields...)
		default:
			httpLogger().InfoContext(r.Context(), "http request completed", fields...)
		}
	})
}

// routePattern is the matched chi pattern, so session ids in paths stay out of logs.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func requestIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return s
	}
	return ""
}

func bearerTokenFromHeader(header string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("missing bearer token")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

// sessionOwner admits a request only when its bearer token is the access or
// refresh token of the addressed session. The session id comes from the
// {session_id} route param or, on MFA routes, the X-Session-Id header.
func (h *Handler) sessionOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := sessionIDParam(r)
		if sessionID == "" {
			sessionID = strings.TrimSpace(r.Header.Get("X-Session-Id"))
		}
		raw, err := bearerTokenFromHeader(r.Header.Get("Authorization"))
		if err != nil || sessionID == "" {
			h.fail(w, r, "session_owner", domain.NewAuthError(domain.ErrorTokenInvalid, "session id and bearer token are required"))
			return
		}
		view, err := h.service.Session(sessionID)
		if err != nil {
			h.fail(w, r, "session_owner", err)
			return
		}
		if !tokenMatches(raw, view.Session.Token) {
			h.fail(w, r, "session_owner", domain.NewAuthError(domain.ErrorTokenInvalid, "bearer token does not belong to this session"))
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeySession, view)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tokenMatches(raw string, token domain.AuthToken) bool {
	access := subtle.ConstantTimeCompare([]byte(raw), []byte(token.AccessToken)) == 1
	refresh := token.RefreshToken != "" && subtle.ConstantTimeCompare([]byte(raw), []byte(token.RefreshToken)) == 1
	return access || refresh
}

func sessionFromContext(ctx context.Context) (application.SessionView, bool) {
	view, ok := ctx.Value(ctxKeySession).(application.SessionView)
	return view, ok
}

// mapAuthError picks the HTTP status for a classified failure.
func mapAuthError(err error) (int, *domain.AuthError) {
	authErr := domain.AsAuthError(err)
	if authErr == nil {
		authErr = domain.NewAuthError(domain.ErrorUnknown, "unknown failure")
	}
	switch authErr.Type {
	case domain.ErrorValidation:
		return http.StatusBadRequest, authErr
	case domain.ErrorCredentialsInvalid, domain.ErrorTokenInvalid, domain.ErrorTokenExpired,
		domain.ErrorSessionExpired, domain.ErrorInvalidCode, domain.ErrorCodeAlreadyUsed:
		return http.StatusUnauthorized, authErr
	case domain.ErrorAccountLocked, domain.ErrorRateLimited:
		return http.StatusTooManyRequests, authErr
	case domain.ErrorChallengeNotFound:
		return http.StatusNotFound, authErr
	case domain.ErrorNotEnrolled:
		return http.StatusUnprocessableEntity, authErr
	case domain.ErrorInvalidState:
		return http.StatusConflict, authErr
	case domain.ErrorChallengeExpired:
		return http.StatusGone, authErr
	case domain.ErrorMethodNotSupported:
		return http.StatusNotImplemented, authErr
	case domain.ErrorProviderUnavailable, domain.ErrorCircuitOpen:
		return http.StatusServiceUnavailable, authErr
	case domain.ErrorNetwork:
		return http.StatusBadGateway, authErr
	default:
		return http.StatusInternalServerError, domain.NewAuthError(authErr.Type, "internal server error")
	}
}
