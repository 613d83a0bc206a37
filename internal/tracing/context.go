package tracing

import (
	"context"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	TraceIDKey   ContextKey = "trace_id"
	RunIDKey     ContextKey = "run_id"
	ThreadIDKey  ContextKey = "thread_id"
	RequestIDKey ContextKey = "request_id"
)

// TraceContext holds the ids carried through a request
type TraceContext struct {
	TraceID   string
	RunID     string
	ThreadID  string
	RequestID string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a new run ID
func NewRunID() string {
	return uuid.New().String()
}

// NewRequestID generates a short request ID
func NewRequestID() string {
	id, err := gonanoid.New(12)
	if err != nil {
		return uuid.New().String()
	}
	return id
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

func WithThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, ThreadIDKey, threadID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

func GetTraceID(ctx context.Context) string   { return stringValue(ctx, TraceIDKey) }
func GetRunID(ctx context.Context) string     { return stringValue(ctx, RunIDKey) }
func GetThreadID(ctx context.Context) string  { return stringValue(ctx, ThreadIDKey) }
func GetRequestID(ctx context.Context) string { return stringValue(ctx, RequestIDKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		RunID:     GetRunID(ctx),
		ThreadID:  GetThreadID(ctx),
		RequestID: GetRequestID(ctx),
	}
}

// NewContext copies the non-empty ids of tc into ctx
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.RunID != "" {
		ctx = WithRunID(ctx, tc.RunID)
	}
	if tc.ThreadID != "" {
		ctx = WithThreadID(ctx, tc.ThreadID)
	}
	if tc.RequestID != "" {
		ctx = WithRequestID(ctx, tc.RequestID)
	}
	return ctx
}

// NewRequestContext starts a request with fresh trace and request ids
func NewRequestContext(ctx context.Context) context.Context {
	ctx = WithTraceID(ctx, NewTraceID())
	return WithRequestID(ctx, NewRequestID())
}

// NewRunContext scopes ctx to one agent run on a thread
func NewRunContext(ctx context.Context, threadID string) context.Context {
	ctx = WithRunID(ctx, NewRunID())
	return WithThreadID(ctx, threadID)
}

// Detach returns a context that keeps the ids and values of ctx but is never
// cancelled. Used to persist state after the client went away.
func Detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// LoggerFromContext adds the ids found in ctx to base
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	lc := base.With()

	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.RunID != "" {
		lc = lc.Str("run_id", tc.RunID)
	}
	if tc.ThreadID != "" {
		lc = lc.Str("thread_id", tc.ThreadID)
	}
	if tc.RequestID != "" {
		lc = lc.Str("request_id", tc.RequestID)
	}

	return lc.Logger()
}
