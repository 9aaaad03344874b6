package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey struct{}

// WithTraceID attaches a request-scoped logger carrying a trace ID to the
// context. A blank traceID gets a fresh one.
func WithTraceID(ctx context.Context, base zerolog.Logger, traceID string) (context.Context, string) {
	if traceID == "" {
		traceID = uuid.New().String()
	}
	logger := base.With().Str("trace_id", traceID).Logger()
	return context.WithValue(ctx, contextKey{}, logger), traceID
}

// FromContext returns the context's logger, or the global one when the
// context carries none.
func FromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(contextKey{}).(zerolog.Logger); ok {
		return logger
	}
	return zerolog.Ctx(ctx).With().Logger()
}
