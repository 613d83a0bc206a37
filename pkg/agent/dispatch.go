package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/hil"
	"github.com/harun/parley/pkg/limiter"
	"github.com/harun/parley/pkg/provider"
	"github.com/harun/parley/pkg/stream"
	"github.com/harun/parley/pkg/thread"
	"github.com/harun/parley/pkg/tool"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// callPlan is the fate of one requested call within a step
type callPlan struct {
	tool   tool.Tool
	result string
	done   bool
}

func (p *callPlan) resolve(result string) {
	p.result = result
	p.done = true
}

func notFoundResult(name string) string {
	return fmt.Sprintf("Tool %s not found. Use one of the tools you were given.", name)
}

// dispatch persists the tool request, admits its calls through the limiter and HIL,
// runs the executable ones concurrently and records results in request order.
func (r *Routine) dispatch(ctx context.Context, rs *run, resp *provider.Response, last bool) (bool, error) {
	threadID := rs.params.ThreadID
	msg := thread.NewMessage(threadID, thread.KindToolRequest, resp.Content)
	msg.Reasoning = resp.Reasoning

	plans := make([]*callPlan, len(resp.ToolCalls))
	for i, tc := range resp.ToolCalls {
		call := thread.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments, Validation: hil.NotRequired}
		plan := &callPlan{}
		plans[i] = plan

		t, known := rs.tools[tc.Name]
		switch {
		case !rs.limiter.Admit(rs.step):
			plan.resolve(limiter.RateLimitMessage(tc.Name, tc.Arguments))
			observability.RecordRateLimited(tc.Name)
			rs.logger.Warn().Str("tool", tc.Name).Int64("step", rs.step).Msg("Tool call rate limited")
		case !known:
			plan.resolve(notFoundResult(tc.Name))
			observability.RecordToolExecution(tc.Name, "not_found", 0)
		default:
			call.Validation = hil.Initial(t.RequiresHIL())
			plan.tool = t
		}
		msg.ToolCalls = append(msg.ToolCalls, call)
	}
	rs.limiter.Forget(rs.step)

	if err := r.persistReply(ctx, rs, msg); err != nil {
		return false, err
	}

	r.executeAll(ctx, rs, msg.ToolCalls, plans)
	if ctx.Err() != nil {
		r.saveResults(ctx, rs, msg, plans)
		r.markInterrupted(ctx, rs, msg.ID)
		return false, ctx.Err()
	}

	if err := r.recordResults(ctx, rs, msg, plans, true); err != nil {
		return false, err
	}

	for _, call := range msg.ToolCalls {
		if call.Validation == hil.Pending {
			rs.logger.Info().Str("tool", call.Name).Str("tool_call_id", call.ID).Msg("Tool call awaiting validation")
			return true, r.finish(rs, stream.FinishToolCalls)
		}
	}
	if last {
		return true, r.finish(rs, stream.FinishLength)
	}
	return false, writeErr(rs.enc.FinishStep(stream.FinishToolCalls))
}

// resume settles the calls of a tool request that were decided while no run was
// active. It reports whether calls still await validation.
func (r *Routine) resume(ctx context.Context, rs *run, req *thread.Message) (bool, error) {
	results := thread.Results(rs.history)
	plans := make([]*callPlan, len(req.ToolCalls))
	pending, work := false, false

	for i, call := range req.ToolCalls {
		plan := &callPlan{}
		plans[i] = plan
		if _, answered := results[call.ID]; answered || call.Completed {
			continue
		}

		switch call.Validation {
		case hil.Pending:
			pending = true
		case hil.Rejected:
			plan.resolve(hil.RejectionResult(""))
			work = true
		default:
			if t, ok := rs.tools[call.Name]; ok {
				plan.tool = t
			} else {
				plan.resolve(notFoundResult(call.Name))
			}
			work = true
		}
	}
	if !work {
		return pending, nil
	}

	rs.logger.Info().Str("message_id", req.ID).Msg("Resuming decided tool calls")
	r.executeAll(ctx, rs, req.ToolCalls, plans)
	if ctx.Err() != nil {
		r.saveResults(ctx, rs, req, plans)
		return false, ctx.Err()
	}
	return pending, r.recordResults(ctx, rs, req, plans, true)
}

func (r *Routine) executeAll(ctx context.Context, rs *run, calls []thread.ToolCall, plans []*callPlan) {
	var g errgroup.Group
	for i, plan := range plans {
		if plan.done || plan.tool == nil || !hil.Executable(calls[i].Validation) {
			continue
		}
		call := calls[i]
		g.Go(func() error {
			output, err := r.runTool(ctx, plan.tool, call, rs.params.ThreadID, rs.params.Subject)
			if err != nil && ctx.Err() != nil {
				// cut short by the stop, not answered
				return nil
			}
			plan.resolve(output)
			return nil
		})
	}
	_ = g.Wait()
}

// saveResults persists the calls that resolved before a stop. Nothing is streamed.
func (r *Routine) saveResults(ctx context.Context, rs *run, msg *thread.Message, plans []*callPlan) {
	if err := r.recordResults(tracing.Detach(ctx), rs, msg, plans, false); err != nil {
		rs.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to persist tool results of interrupted run")
	}
}

// recordResults stores the resolved calls of msg in request order and, when emit
// is set, streams them
func (r *Routine) recordResults(ctx context.Context, rs *run, msg *thread.Message, plans []*callPlan, emit bool) error {
	threadID := rs.params.ThreadID
	for i, plan := range plans {
		if !plan.done {
			continue
		}
		call := &msg.ToolCalls[i]
		call.SetResult(plan.result)
		if err := r.store.UpdateToolCall(ctx, threadID, *call); err != nil {
			return err
		}

		result := thread.NewToolResult(threadID, call.ID, plan.result)
		if err := r.store.AppendMessage(ctx, result); err != nil {
			return err
		}
		rs.history = append(rs.history, result)

		if !emit {
			continue
		}
		if err := rs.enc.ToolResult(call.ID, plan.result); err != nil {
			return writeErr(err)
		}
	}
	return nil
}

// runTool executes one call. The returned text is what the model sees: the tool
// output, or the error text when the tool failed.
func (r *Routine) runTool(ctx context.Context, t tool.Tool, call thread.ToolCall, threadID, subject string) (output string, err error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.tool",
		attribute.String("tool", call.Name),
		attribute.String("tool_call_id", call.ID),
	)
	start := time.Now()
	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("tool", call.Name).Str("tool_call_id", call.ID).Logger()

	defer func() {
		if rec := recover(); rec != nil {
			err = &tool.ExecutionError{Tool: call.Name, Err: panicError(rec)}
			output = ErrorMessage(err)
		}

		status := "success"
		switch {
		case err == nil:
		case tool.IsValidationError(err):
			status = "validation_error"
		default:
			status = "error"
		}
		observability.RecordToolExecution(call.Name, status, time.Since(start))
		tracing.EndSpan(span, err)
		logger.Debug().Str("status", status).Dur("duration", time.Since(start)).Msg("Tool executed")
	}()

	ec := &tool.ExecutionContext{
		ThreadID:   threadID,
		ToolCallID: call.ID,
		Subject:    subject,
	}
	output, err = t.Execute(ctx, json.RawMessage(call.Arguments), ec)
	if err != nil {
		output = err.Error()
	}
	return output, err
}
