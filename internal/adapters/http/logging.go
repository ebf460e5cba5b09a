package http

import (
	"context"
	"log/slog"

	"github.com/viralforge/authcore/internal/domain"
)

// httpLogger derives from the default logger, which carries the service field.
func httpLogger() *slog.Logger {
	return slog.Default().With(
		"module", "adapters.http",
		"layer", "adapter",
	)
}

func logHTTPOperationError(ctx context.Context, operation string, statusCode int, errType domain.AuthErrorType, err error) {
	fields := []any{
		"operation", operation,
		"outcome", "failure",
		"status_code", statusCode,
		"error_type", string(errType),
		"request_id", requestIDFromContext(ctx),
	}
	if err != nil {
		fields = append(fields, "error", err.Error())
	}
	if statusCode >= 500 {
		httpLogger().ErrorContext(ctx, "http operation failed", fields...)
		return
	}
	httpLogger().WarnContext(ctx, "http operation failed", fields...)
}
