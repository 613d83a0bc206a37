package thread

import (
	"context"
	"time"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "parley/thread"

type instrumentedStore struct {
	next Store
}

// Instrument wraps a store with spans and duration metrics
func Instrument(next Store) Store {
	observability.EnsureRegistered()
	return &instrumentedStore{next: next}
}

func (s *instrumentedStore) LoadMessages(ctx context.Context, threadID string) ([]*Message, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "thread.load", attribute.String("thread.id", threadID))
	start := time.Now()

	messages, err := s.next.LoadMessages(ctx, threadID)

	observability.RecordStoreOperation("load", time.Since(start))
	span.SetAttributes(attribute.Int("thread.messages", len(messages)))
	tracing.EndSpan(span, err)
	return messages, err
}

func (s *instrumentedStore) AppendMessage(ctx context.Context, msg *Message) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "thread.append",
		attribute.String("thread.id", msg.ThreadID),
		attribute.String("message.kind", string(msg.Kind)),
	)
	start := time.Now()

	err := s.next.AppendMessage(ctx, msg)

	observability.RecordStoreOperation("append", time.Since(start))
	tracing.EndSpan(span, err)
	return err
}

func (s *instrumentedStore) UpdateToolCall(ctx context.Context, threadID string, call ToolCall) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "thread.update_tool_call",
		attribute.String("thread.id", threadID),
		attribute.String("tool_call.id", call.ID),
		attribute.String("tool_call.validation", string(call.Validation)),
	)
	start := time.Now()

	err := s.next.UpdateToolCall(ctx, threadID, call)

	observability.RecordStoreOperation("update_tool_call", time.Since(start))
	tracing.EndSpan(span, err)
	return err
}

func (s *instrumentedStore) SetComplete(ctx context.Context, messageID string, complete bool) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "thread.set_complete", attribute.String("message.id", messageID))
	start := time.Now()

	err := s.next.SetComplete(ctx, messageID, complete)

	observability.RecordStoreOperation("set_complete", time.Since(start))
	tracing.EndSpan(span, err)
	return err
}
