package trace

import (
	"context"
	"encoding/hex"

	"github.com/google/uuid"
)

type ctxKey struct{}

// GenerateTraceID returns a random 32-char hex id.
func GenerateTraceID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// FromContext 从 context 中获取 trace_id
func FromContext(ctx context.Context) string {
	if traceID, ok := ctx.Value(ctxKey{}).(string); ok {
		return traceID
	}
	return ""
}

func WithContext(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, traceID)
}

// Ensure returns ctx with a trace id, generating one when absent. Mutations,
// published events and outbox rows all carry the id it returns.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := GenerateTraceID()
	return WithContext(ctx, id), id
}

// HeaderName 返回 trace ID 的 HTTP header 名称
func HeaderName() string {
	return "X-Trace-ID"
}
