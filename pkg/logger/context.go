package logger

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// With returns a context carrying a logger extended with fields. Handlers
// and the reconciler use it to thread trace and payment ids through call
// chains without widening signatures.
func With(ctx context.Context, fields ...any) context.Context {
	return context.WithValue(ctx, ctxKey{}, From(ctx).With(fields...))
}

// From returns the logger stored in ctx, falling back to the process logger.
func From(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return LoggerWrapper()
}
