// Package gateway exposes the agent over HTTP: a streamed chat endpoint, the
// human validation endpoint for pending tool calls, the tool listing, and the
// health and metrics probes.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/pkg/agent"
	"github.com/harun/parley/pkg/stream"
	"github.com/harun/parley/pkg/tool"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownTimeout = 15 * time.Second
	drainTimeout           = 5 * time.Second
	maxBodyBytes           = 1 << 20
)

// Runner drives agent runs for the gateway
type Runner interface {
	Run(ctx context.Context, params agent.RunParams, enc *stream.Encoder) error
	Stop(threadID string) bool
	ValidateToolCall(ctx context.Context, req agent.ValidationRequest) (*agent.ValidationResult, error)
}

// Catalog lists the tools known to the agent
type Catalog interface {
	Describe(ctx context.Context) []tool.Descriptor
	DescribeTool(ctx context.Context, name string) (tool.Descriptor, bool)
}

// Server is the HTTP gateway
type Server struct {
	addr            string
	shutdownTimeout time.Duration
	runner          Runner
	catalog         Catalog
	agentConfig     agent.Config
	auth            *Authenticator
	authorize       Authorizer
	limiter         *RequestLimiter
	logger          zerolog.Logger

	server       *http.Server
	listener     net.Listener
	handler      http.Handler
	baseCtx      context.Context
	cancelRuns   context.CancelFunc
	shuttingDown atomic.Bool
	inFlight     sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Addr            string
	SharedSecret    string
	ShutdownTimeout time.Duration
	// Per-subject limits on message requests; zero disables a limit
	RequestsPerMinute int
	MaxConcurrentRuns int

	Runner     Runner
	Catalog    Catalog
	Agent      agent.Config
	Authorizer Authorizer
	Logger     zerolog.Logger
}

// NewServer creates a new gateway
func NewServer(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("tool catalog is required")
	}
	if err := cfg.Agent.Validate(); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Authorizer == nil {
		cfg.Authorizer = AllowAll
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:            cfg.Addr,
		shutdownTimeout: cfg.ShutdownTimeout,
		runner:          cfg.Runner,
		catalog:         cfg.Catalog,
		agentConfig:     cfg.Agent,
		auth:            NewAuthenticator(cfg.SharedSecret),
		authorize:       cfg.Authorizer,
		limiter:         NewRequestLimiter(cfg.RequestsPerMinute, cfg.MaxConcurrentRuns),
		logger:          cfg.Logger.With().Str("component", "gateway").Logger(),
		baseCtx:         baseCtx,
		cancelRuns:      cancel,
	}
	s.handler = s.routes()

	if !s.auth.Enabled() {
		s.logger.Warn().Msg("No shared secret configured, gateway accepts unauthenticated requests")
	}
	return s, nil
}

// Handler returns the HTTP handler of the gateway
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.Handle("POST /threads/{threadID}/messages", s.authenticated(s.handleMessages))
	mux.Handle("POST /threads/{threadID}/stop", s.authenticated(s.handleStop))
	mux.Handle("POST /threads/{threadID}/tool_calls/{toolCallID}/execute", s.authenticated(s.handleExecute))
	mux.Handle("GET /tools", s.authenticated(s.handleListTools))
	mux.Handle("GET /tools/{name}", s.authenticated(s.handleGetTool))

	return s.withRequestContext(mux)
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr returns the address the gateway listens on once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop refuses new runs, waits for active ones up to the shutdown timeout and
// then cancels what is left. Cancelled runs persist their partial state.
func (s *Server) Stop(ctx context.Context) error {
	s.shuttingDown.Store(true)
	s.logger.Info().Msg("Shutting down gateway")

	if s.server == nil {
		s.cancelRuns()
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()

	err := s.server.Shutdown(shutdownCtx)
	if err == nil {
		s.cancelRuns()
		s.logger.Info().Msg("Gateway stopped")
		return nil
	}

	s.logger.Warn().Err(err).Msg("Shutdown timeout reached, cancelling active runs")
	s.cancelRuns()

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		s.logger.Warn().Msg("Active runs did not drain")
	}

	if err := s.server.Close(); err != nil {
		return fmt.Errorf("failed to close server: %w", err)
	}
	s.logger.Info().Msg("Gateway stopped")
	return nil
}
