package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/agent"
	"github.com/harun/parley/pkg/hil"
	"github.com/harun/parley/pkg/stream"
	"github.com/harun/parley/pkg/thread"
	"github.com/harun/parley/pkg/tool"
)

type messageRequest struct {
	Content string `json:"content"`
	Model   string `json:"model"`
}

type executeRequest struct {
	Validation string `json:"validation"`
	// Args may be sent as a JSON string or as the arguments object itself
	Args     json.RawMessage `json:"args"`
	Feedback string          `json:"feedback"`
}

type stopResponse struct {
	Stopped bool `json:"stopped"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.shuttingDown.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	threadID := r.PathValue("threadID")
	id := IdentityFromContext(ctx)

	if s.shuttingDown.Load() {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	var body messageRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	release, err := s.limiter.Acquire(id.Subject)
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			w.Header().Set("Retry-After", "60")
		}
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	}
	defer release()

	s.inFlight.Add(1)
	defer s.inFlight.Done()

	cfg := s.agentConfig
	if body.Model != "" {
		cfg = cfg.WithModel(body.Model)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("x-vercel-ai-data-stream", "v1")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	err = s.runner.Run(ctx, agent.RunParams{
		ThreadID: threadID,
		Content:  body.Content,
		Subject:  id.Subject,
		Config:   cfg,
	}, stream.NewEncoder(w))
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Debug().Err(err).Str("thread_id", threadID).Msg("Run ended with error")
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	stopped := s.runner.Stop(r.PathValue("threadID"))
	writeJSON(w, http.StatusOK, stopResponse{Stopped: stopped})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body executeRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	args, err := decisionArgs(body.Args)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.runner.ValidateToolCall(ctx, agent.ValidationRequest{
		ThreadID:   r.PathValue("threadID"),
		ToolCallID: r.PathValue("toolCallID"),
		Subject:    IdentityFromContext(ctx).Subject,
		Decision: hil.Decision{
			Validation: hil.State(body.Validation),
			Args:       args,
			Feedback:   body.Feedback,
		},
	})
	if err != nil {
		writeError(w, validationStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.catalog.Describe(r.Context()))
}

func (s *Server) handleGetTool(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	desc, ok := s.catalog.DescribeTool(r.Context(), name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("tool %s not found", name))
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func validationStatus(err error) int {
	switch {
	case errors.Is(err, agent.ErrInvalidDecision):
		return http.StatusBadRequest
	case errors.Is(err, thread.ErrToolCallNotFound), errors.Is(err, tool.ErrToolNotFound):
		return http.StatusNotFound
	case errors.Is(err, hil.ErrNotPending), errors.Is(err, agent.ErrValidationInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decisionArgs accepts edited arguments either as a JSON string or as raw JSON
func decisionArgs(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("invalid args: %w", err)
		}
		return s, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	return buf.String(), nil
}

// decodeBody reads a JSON body. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
