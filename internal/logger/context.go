package logger

import (
	"context"

	"go.uber.org/zap"
)

type ctxKey struct{}

// ContextWithLogger stores a logger in the context.
func ContextWithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext extracts a logger from the context.
// Returns zap.NewNop() if no logger is found.
func FromContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok {
		return l
	}
	return zap.NewNop()
}

// WithConn annotates the logger of ctx with a connection id and stores it back.
func WithConn(ctx context.Context, base *zap.Logger, connID string) (context.Context, *zap.Logger) {
	l := base.With(zap.String("conn_id", connID))
	return ContextWithLogger(ctx, l), l
}

// WithRequest annotates the logger of ctx with a protocol request id.
func WithRequest(ctx context.Context, requestID int64, reqType string) (context.Context, *zap.Logger) {
	l := FromContext(ctx).With(zap.Int64("request_id", requestID), zap.String("type", reqType))
	return ContextWithLogger(ctx, l), l
}
