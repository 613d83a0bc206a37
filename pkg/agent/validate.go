package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/hil"
	"github.com/harun/parley/pkg/thread"
	"github.com/harun/parley/pkg/tool"
	"go.opentelemetry.io/otel/attribute"
)

// Statuses of a validation result
const (
	StatusDone            = "done"
	StatusValidationError = "validation-error"
)

// ValidationRequest is a human decision on a pending tool call
type ValidationRequest struct {
	ThreadID   string
	ToolCallID string
	Subject    string
	Decision   hil.Decision
}

// ValidationResult is returned to the approving client
type ValidationResult struct {
	Status  string  `json:"status"`
	Content *string `json:"content"`
}

// ValidateToolCall applies a decision to a pending call. An accepted call runs with
// the decided arguments and its result is recorded; a rejected call records the
// refusal. Arguments that fail the tool's schema yield StatusValidationError and the
// call stays pending.
func (r *Routine) ValidateToolCall(ctx context.Context, req ValidationRequest) (res *ValidationResult, err error) {
	ctx = tracing.WithThreadID(ctx, req.ThreadID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.validate_tool_call",
		attribute.String("thread_id", req.ThreadID),
		attribute.String("tool_call_id", req.ToolCallID),
		attribute.String("validation", string(req.Decision.Validation)),
	)
	defer func() { tracing.EndSpan(span, err) }()
	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("tool_call_id", req.ToolCallID).Logger()

	if err := req.Decision.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDecision, err)
	}

	key := req.ThreadID + "/" + req.ToolCallID
	if _, busy := r.claims.LoadOrStore(key, struct{}{}); busy {
		return nil, ErrValidationInProgress
	}
	defer r.claims.Delete(key)

	messages, err := r.store.LoadMessages(ctx, req.ThreadID)
	if err != nil {
		return nil, err
	}
	_, call := thread.FindToolCall(messages, req.ToolCallID)
	if call == nil {
		return nil, fmt.Errorf("%w: %s", thread.ErrToolCallNotFound, req.ToolCallID)
	}

	next, err := req.Decision.Apply(call.Validation)
	if err != nil {
		return nil, err
	}

	updated := call.Clone()
	updated.Validation = next

	var result string
	switch next {
	case hil.Rejected:
		result = hil.RejectionResult(req.Decision.Feedback)

	case hil.Accepted:
		t, ok := r.registry.Get(call.Name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", tool.ErrToolNotFound, call.Name)
		}
		updated.Arguments = req.Decision.EffectiveArgs(call.Arguments)

		if v, ok := t.(tool.Validator); ok {
			if _, verr := v.Validate(json.RawMessage(updated.Arguments)); verr != nil {
				logger.Info().Err(verr).Msg("Validated arguments rejected by tool schema")
				return validationErrorResult(verr), nil
			}
		}

		output, execErr := r.runTool(ctx, t, updated, req.ThreadID, req.Subject)
		if tool.IsValidationError(execErr) {
			return validationErrorResult(execErr), nil
		}
		result = output
	}

	updated.SetResult(result)
	if err := r.store.UpdateToolCall(ctx, req.ThreadID, updated); err != nil {
		return nil, err
	}
	if err := r.store.AppendMessage(ctx, thread.NewToolResult(req.ThreadID, updated.ID, result)); err != nil {
		return nil, err
	}

	observability.RecordHILDecision(call.Name, string(next))
	observability.RecordValidationAudit(ctx, call.Name, req.Subject, string(next), map[string]interface{}{
		"thread_id":    req.ThreadID,
		"tool_call_id": req.ToolCallID,
		"edited_args":  updated.Arguments != call.Arguments,
	})
	logger.Info().Str("tool", call.Name).Str("validation", string(next)).Msg("Tool call validated")

	return &ValidationResult{Status: StatusDone, Content: &result}, nil
}

func validationErrorResult(err error) *ValidationResult {
	msg := err.Error()
	return &ValidationResult{Status: StatusValidationError, Content: &msg}
}
