package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/limiter"
	"github.com/harun/parley/pkg/provider"
	"github.com/harun/parley/pkg/stream"
	"github.com/harun/parley/pkg/thread"
	"github.com/harun/parley/pkg/tool"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "parley.agent"

// ModelResolver resolves a model identifier to a provider
type ModelResolver interface {
	Resolve(modelID string) (provider.Resolution, error)
}

// RoutineConfig holds the collaborators of a Routine
type RoutineConfig struct {
	Resolver ModelResolver
	Registry *tool.Registry
	Store    thread.Store
	Logger   zerolog.Logger
}

// Routine runs conversations. One Routine serves every thread of the process.
type Routine struct {
	resolver ModelResolver
	registry *tool.Registry
	store    thread.Store
	logger   zerolog.Logger

	// Active runs for Stop, keyed by thread
	activeRuns map[string]context.CancelFunc
	runsMu     sync.Mutex

	// Tool calls being validated, keyed by thread and call id
	claims sync.Map
}

// NewRoutine creates a new routine
func NewRoutine(cfg RoutineConfig) (*Routine, error) {
	observability.EnsureRegistered()

	if cfg.Resolver == nil {
		return nil, fmt.Errorf("model resolver is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("thread store is required")
	}

	return &Routine{
		resolver:   cfg.Resolver,
		registry:   cfg.Registry,
		store:      cfg.Store,
		logger:     cfg.Logger,
		activeRuns: make(map[string]context.CancelFunc),
	}, nil
}

// RunParams are the inputs of one run
type RunParams struct {
	ThreadID string
	// Content is the new user message. Empty resumes the thread after validations.
	Content string
	// Subject is the caller identity handed to tools
	Subject string
	Config  Config
}

// run is the state of one orchestration
type run struct {
	params RunParams
	enc    *stream.Encoder
	logger zerolog.Logger

	history     []*thread.Message
	provider    provider.Provider
	providerKey string
	model       string
	tools       map[string]tool.Tool
	specs       []provider.ToolSpec
	limiter     *limiter.Limiter
	step        int64

	finishReason string
}

// Run drives the thread until the model stops requesting tools, a call awaits
// validation or the turn budget is spent. Every outcome is written to enc; the
// returned error is informational and has already been reported on the stream.
func (r *Routine) Run(ctx context.Context, params RunParams, enc *stream.Encoder) (err error) {
	ctx = tracing.NewRunContext(ctx, params.ThreadID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.run",
		attribute.String("thread_id", params.ThreadID),
		attribute.String("model", params.Config.Model),
	)
	logger := tracing.LoggerFromContext(ctx, r.logger)

	rs := &run{
		params:       params,
		enc:          enc,
		logger:       logger,
		finishReason: stream.FinishError,
	}

	observability.RunStarted()
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Msg("Agent run panicked")
			err = r.fail(rs, panicError(rec))
		}
		observability.RecordAgentRun(rs.providerKey, rs.finishReason, time.Since(start))
		tracing.EndSpan(span, err)
		logger.Debug().
			Str("finish_reason", rs.finishReason).
			Int64("steps", rs.step).
			Dur("duration", time.Since(start)).
			Msg("Agent run ended")
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !r.register(params.ThreadID, cancel) {
		return r.fail(rs, ErrThreadBusy)
	}
	defer r.unregister(params.ThreadID)

	return r.execute(runCtx, rs)
}

// Stop cancels the active run of a thread. It reports whether a run was active.
func (r *Routine) Stop(threadID string) bool {
	r.runsMu.Lock()
	cancel, exists := r.activeRuns[threadID]
	r.runsMu.Unlock()

	if !exists {
		r.logger.Debug().Str("thread_id", threadID).Msg("No active run to stop")
		return false
	}

	r.logger.Info().Str("thread_id", threadID).Msg("Stopping agent run")
	cancel()
	return true
}

// IsRunning checks if a run is active for a thread
func (r *Routine) IsRunning(threadID string) bool {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	_, exists := r.activeRuns[threadID]
	return exists
}

func (r *Routine) register(threadID string, cancel context.CancelFunc) bool {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	if _, exists := r.activeRuns[threadID]; exists {
		return false
	}
	r.activeRuns[threadID] = cancel
	return true
}

func (r *Routine) unregister(threadID string) {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	delete(r.activeRuns, threadID)
}

func (r *Routine) execute(ctx context.Context, rs *run) error {
	cfg := rs.params.Config
	threadID := rs.params.ThreadID

	if err := cfg.Validate(); err != nil {
		return r.fail(rs, err)
	}

	history, err := r.store.LoadMessages(ctx, threadID)
	if err != nil {
		return r.abort(ctx, rs, err)
	}
	rs.history = history

	res, err := r.resolver.Resolve(cfg.Model)
	if err != nil {
		return r.fail(rs, err)
	}
	rs.provider, rs.providerKey, rs.model = res.Provider, res.Key, res.Model

	tools, err := r.registry.Subset(cfg.Tools)
	if err != nil {
		return r.fail(rs, err)
	}
	rs.tools = make(map[string]tool.Tool, len(tools))
	for _, t := range tools {
		rs.tools[t.Name()] = t
		rs.specs = append(rs.specs, provider.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.InputSchema(),
		})
	}
	rs.limiter = limiter.New(cfg.MaxParallelToolCalls)

	if req := thread.LatestToolRequest(rs.history); req != nil && req.IsComplete {
		pending, err := r.resume(ctx, rs, req)
		if err != nil {
			return r.abort(ctx, rs, err)
		}
		if pending {
			if strings.TrimSpace(rs.params.Content) != "" {
				return r.fail(rs, ErrAwaitingValidation)
			}
			return r.finish(rs, stream.FinishToolCalls)
		}
	}

	if strings.TrimSpace(rs.params.Content) != "" {
		msg := thread.NewMessage(threadID, thread.KindUser, rs.params.Content)
		if err := r.store.AppendMessage(ctx, msg); err != nil {
			return r.abort(ctx, rs, err)
		}
		rs.history = append(rs.history, msg)
	}
	if len(rs.history) == 0 {
		return r.fail(rs, ErrEmptyConversation)
	}

	rs.logger.Info().
		Str("provider", rs.providerKey).
		Str("model", rs.model).
		Int("tools", len(rs.specs)).
		Msg("Agent run started")

	for turn := 1; turn <= cfg.MaxTurns; turn++ {
		done, err := r.step(ctx, rs, turn == cfg.MaxTurns)
		if err != nil {
			return r.abort(ctx, rs, err)
		}
		if done {
			return nil
		}
	}
	return nil
}

// step streams one model call and dispatches the tool calls it requests. It
// reports whether the run has ended.
func (r *Routine) step(ctx context.Context, rs *run, last bool) (bool, error) {
	rs.step++
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.step",
		attribute.Int64("step", rs.step),
		attribute.String("provider", rs.providerKey),
		attribute.String("model", rs.model),
	)
	observability.RecordAgentStep(rs.providerKey)

	flight := newInflight(rs.enc)
	resp, err := rs.provider.Stream(ctx, buildRequest(rs), flight.handle)
	tracing.EndSpan(span, err)
	if err != nil {
		r.saveInterrupted(ctx, rs, flight)
		return false, err
	}

	if len(resp.ToolCalls) == 0 {
		msg := thread.NewMessage(rs.params.ThreadID, thread.KindAssistantText, resp.Content)
		msg.Reasoning = resp.Reasoning
		if err := r.persistReply(ctx, rs, msg); err != nil {
			return false, err
		}
		return true, r.finish(rs, resp.FinishReason)
	}

	return r.dispatch(ctx, rs, resp, last)
}

// saveInterrupted persists what the model streamed before the call failed
func (r *Routine) saveInterrupted(ctx context.Context, rs *run, flight *inflight) {
	msg := flight.message(rs.params.ThreadID, rs.tools)
	if msg == nil {
		return
	}
	if err := r.store.AppendMessage(tracing.Detach(ctx), msg); err != nil {
		rs.logger.Error().Err(err).Msg("Failed to persist interrupted assistant message")
		return
	}
	rs.history = append(rs.history, msg)
}

// persistReply stores a fully streamed assistant message. After a stop the message is
// kept as incomplete and the cancellation is returned.
func (r *Routine) persistReply(ctx context.Context, rs *run, msg *thread.Message) error {
	stopped := ctx.Err() != nil
	if stopped {
		msg.IsComplete = false
	}
	if err := r.store.AppendMessage(tracing.Detach(ctx), msg); err != nil {
		return err
	}
	rs.history = append(rs.history, msg)
	if stopped {
		return ctx.Err()
	}
	return nil
}

// markInterrupted flags a persisted assistant message as incomplete
func (r *Routine) markInterrupted(ctx context.Context, rs *run, messageID string) {
	if err := r.store.SetComplete(tracing.Detach(ctx), messageID, false); err != nil {
		rs.logger.Error().Err(err).Str("message_id", messageID).Msg("Failed to mark assistant message incomplete")
	}
}

func (r *Routine) finish(rs *run, reason string) error {
	if reason == "" {
		reason = stream.FinishStop
	}
	rs.finishReason = reason
	if err := rs.enc.FinishStep(reason); err != nil {
		return writeErr(err)
	}
	return writeErr(rs.enc.Done(reason))
}

// fail reports err as the terminal error record
func (r *Routine) fail(rs *run, err error) error {
	cause := errorCause(err)
	rs.finishReason = stream.FinishError
	rs.logger.Error().Err(err).Str("cause", cause).Msg("Agent run failed")
	observability.RecordStreamError(cause)

	if werr := rs.enc.Error(ErrorMessage(err)); werr != nil {
		rs.logger.Debug().Err(werr).Msg("Failed to write error record")
	}
	return err
}

// abort ends the run after err. Cancellation and lost clients end quietly, anything
// else is a failure.
func (r *Routine) abort(ctx context.Context, rs *run, err error) error {
	var swe *streamWriteError
	lostClient := errors.As(err, &swe)
	if ctx.Err() == nil && !lostClient {
		return r.fail(rs, err)
	}

	rs.finishReason = "interrupted"
	rs.logger.Info().Err(err).Msg("Agent run interrupted")
	if !lostClient {
		_ = rs.enc.Done(stream.FinishStop)
	}
	return err
}
