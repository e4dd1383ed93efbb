package obs

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

type ctxKey string

const (
	cycleIDKey   ctxKey = "cycle_id"
	requestIDKey ctxKey = "request_id"
)

// WithCycleID attaches the collection cycle identifier to the context.
func WithCycleID(ctx context.Context, cycleID string) context.Context {
	cycleID = strings.TrimSpace(cycleID)
	if cycleID == "" {
		return ctx
	}
	return context.WithValue(ctx, cycleIDKey, cycleID)
}

// WithRequestID attaches the HTTP request identifier to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// CycleID returns the cycle id carried by ctx, if any.
func CycleID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(cycleIDKey).(string); ok {
		return v
	}
	return ""
}

// RequestID returns the request id carried by ctx, if any.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LoggerFrom enriches base with the correlation ids found in ctx.
func LoggerFrom(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = zap.NewNop().Sugar()
	}
	if id := CycleID(ctx); id != "" {
		base = base.With("cycle_id", id)
	}
	if id := RequestID(ctx); id != "" {
		base = base.With("request_id", id)
	}
	return base
}
