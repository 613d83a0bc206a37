// Package daemon assembles a parley process from its configuration: the thread
// store, the provider selector, the tool registry with its MCP servers, the agent
// routine and the HTTP gateway.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/parley/internal/config"
	"github.com/harun/parley/internal/logger"
	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/agent"
	"github.com/harun/parley/pkg/gateway"
	"github.com/harun/parley/pkg/mcp"
	"github.com/harun/parley/pkg/provider"
	"github.com/harun/parley/pkg/thread"
	"github.com/harun/parley/pkg/tool"
	"github.com/rs/zerolog"
)

// Daemon represents the parley service
type Daemon struct {
	config  *config.Config
	logger  *logger.Logger
	log     zerolog.Logger
	version string

	store    thread.Store
	closers  []io.Closer
	selector agent.ModelResolver
	registry *tool.Registry
	routine  *agent.Routine
	gateway  *gateway.Server

	toolServers []*mcp.Process
	lifecycle   *LifecycleManager

	tracingEnabled bool
	mu             sync.RWMutex
	running        bool
	startTime      time.Time
}

// Status describes a daemon at a point in time
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Addr      string
}

// Option overrides a collaborator normally built from the configuration
type Option func(*options)

type options struct {
	version    string
	store      thread.Store
	providers  map[string]provider.Provider
	tools      []tool.Tool
	authorizer gateway.Authorizer
}

// WithVersion sets the version reported to tool servers and traces
func WithVersion(version string) Option {
	return func(o *options) { o.version = version }
}

// WithStore replaces the configured thread store
func WithStore(store thread.Store) Option {
	return func(o *options) { o.store = store }
}

// WithProviders replaces the backends built from credentials
func WithProviders(providers map[string]provider.Provider) Option {
	return func(o *options) { o.providers = providers }
}

// WithTools registers built-in tools next to the MCP ones
func WithTools(tools ...tool.Tool) Option {
	return func(o *options) { o.tools = append(o.tools, tools...) }
}

// WithAuthorizer sets the gateway's thread access hook
func WithAuthorizer(authorizer gateway.Authorizer) Option {
	return func(o *options) { o.authorizer = authorizer }
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}

	observability.EnsureRegistered()

	d := &Daemon{
		config:  cfg,
		logger:  log,
		log:     log.Component("daemon"),
		version: o.version,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.Init(cfg.Tracing.ServiceName, o.version, cfg.Tracing.SampleRatio); err != nil {
			d.log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			d.log.Info().Msg("Tracing initialized")
		}
	}

	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		d.closers = append(d.closers, observability.GetAuditLogger())
	}

	if err := d.initializeCoreModules(o); err != nil {
		d.closeAll()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

func (d *Daemon) initializeCoreModules(o options) error {
	store := o.store
	if store == nil {
		var err error
		store, err = d.openStore()
		if err != nil {
			return err
		}
	}
	d.store = thread.Instrument(store)

	if o.providers != nil {
		d.selector = provider.NewSelector(d.config.Providers.Default, o.providers)
	} else {
		creds := make(map[string]provider.Credentials)
		for name, pc := range d.config.Providers.Credentials() {
			creds[name] = provider.Credentials{APIKey: pc.APIKey, BaseURL: pc.BaseURL}
		}
		selector, err := provider.NewSelectorFromCredentials(d.config.Providers.Default, creds, d.logger.Component("provider"))
		if err != nil {
			return fmt.Errorf("failed to configure providers: %w", err)
		}
		d.selector = selector
	}

	d.registry = tool.NewRegistry()
	if timeout := d.config.Server.ProbeTimeoutDuration(); timeout > 0 {
		d.registry.SetProbeTimeout(timeout)
	}
	for _, t := range o.tools {
		if err := d.registry.Register(t); err != nil {
			return fmt.Errorf("failed to register tool: %w", err)
		}
	}

	routine, err := agent.NewRoutine(agent.RoutineConfig{
		Resolver: d.selector,
		Registry: d.registry,
		Store:    d.store,
		Logger:   d.logger.Component("agent"),
	})
	if err != nil {
		return fmt.Errorf("failed to create agent routine: %w", err)
	}
	d.routine = routine

	server, err := gateway.NewServer(gateway.Config{
		Addr:              d.config.Server.Addr(),
		SharedSecret:      d.config.Server.SharedSecret,
		ShutdownTimeout:   d.config.Server.ShutdownTimeoutDuration(),
		RequestsPerMinute: d.config.Server.RequestsPerMinute,
		MaxConcurrentRuns: d.config.Server.MaxConcurrentRuns,
		Runner:            d.routine,
		Catalog:           d.registry,
		Agent:             AgentConfig(d.config.Agent),
		Authorizer:        o.authorizer,
		Logger:            d.logger.Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}
	d.gateway = server

	return nil
}

func (d *Daemon) openStore() (thread.Store, error) {
	switch d.config.Storage.Driver {
	case "memory":
		return thread.NewMemoryStore(), nil
	case "sqlite", "":
		store, err := thread.NewSQLiteStore(thread.SQLiteConfig{
			Path:   d.config.Storage.Path,
			Logger: d.logger.Component("store"),
		})
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, store)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", d.config.Storage.Driver)
	}
}

// AgentConfig converts the configured run defaults
func AgentConfig(c config.AgentConfig) agent.Config {
	tools := make([]string, len(c.Tools))
	copy(tools, c.Tools)
	return agent.Config{
		Model:                c.Model,
		Temperature:          c.Temperature,
		MaxTokens:            c.MaxTokens,
		MaxTurns:             c.MaxTurns,
		MaxParallelToolCalls: c.MaxParallelToolCalls,
		Tools:                tools,
		Instructions:         c.Instructions,
	}
}

// StartToolServers launches the configured MCP servers and registers their tools.
// A server that fails to start is logged and skipped.
func (d *Daemon) StartToolServers(ctx context.Context) {
	for _, sc := range d.config.MCP.Servers {
		log := d.log.With().Str("mcp_server", sc.Name).Logger()

		proc, err := mcp.Launch(ctx, mcp.ServerConfig{
			Name:    sc.Name,
			Command: sc.Command,
			Args:    sc.Args,
			Env:     sc.Env,
			HIL:     sc.HIL,
			Timeout: time.Duration(sc.Timeout) * time.Second,
		}, d.version, d.logger.Component("mcp"))
		if err != nil {
			log.Warn().Err(err).Msg("Failed to start tool server")
			continue
		}

		tools, err := mcp.Tools(ctx, sc.Name, proc, sc.HIL)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to list tools")
			_ = proc.Stop()
			continue
		}

		registered := 0
		for _, t := range tools {
			if err := d.registry.Register(t); err != nil {
				log.Warn().Err(err).Str("tool", t.Name()).Msg("Skipping tool")
				continue
			}
			registered++
		}

		d.mu.Lock()
		d.toolServers = append(d.toolServers, proc)
		d.mu.Unlock()
		log.Info().Int("tools", registered).Msg("Tool server started")
	}
}

// Start starts the daemon service
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	ctx = tracing.NewRequestContext(ctx)
	log := tracing.LoggerFromContext(ctx, d.log)
	log.Info().Msg("Starting parley daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	d.StartToolServers(ctx)

	if err := d.gateway.Start(); err != nil {
		d.stopToolServers()
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}

	log.Info().
		Str("addr", d.gateway.Addr()).
		Int("tools", len(d.registry.List())).
		Msg("Daemon started")
	return nil
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	d.log.Info().Msg("Stopping parley daemon")

	var errs []error
	if err := d.gateway.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	d.stopToolServers()
	if err := d.lifecycle.Stop(); err != nil {
		errs = append(errs, err)
	}
	d.closeAll()

	d.log.Info().Msg("Daemon stopped")
	return errors.Join(errs...)
}

// Close releases what New opened for a daemon that was never started
func (d *Daemon) Close() {
	d.stopToolServers()
	d.closeAll()
}

func (d *Daemon) stopToolServers() {
	d.mu.Lock()
	servers := d.toolServers
	d.toolServers = nil
	d.mu.Unlock()

	for _, proc := range servers {
		if err := proc.Stop(); err != nil {
			d.log.Warn().Err(err).Msg("Failed to stop tool server")
		}
	}
}

func (d *Daemon) closeAll() {
	for _, c := range d.closers {
		if err := c.Close(); err != nil {
			d.log.Warn().Err(err).Msg("Failed to close resource")
		}
	}
	d.closers = nil

	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(ctx); err != nil {
			d.log.Warn().Err(err).Msg("Failed to flush traces")
		}
		d.tracingEnabled = false
	}
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.Addr = d.gateway.Addr()
	}
	return status
}

// Wait blocks until ctx ends or the process receives SIGINT or SIGTERM, then
// stops the daemon
func (d *Daemon) Wait(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	d.log.Info().Msg("Shutdown requested")

	return d.Stop(context.Background())
}

// Registry returns the tool registry
func (d *Daemon) Registry() *tool.Registry {
	return d.registry
}

// Routine returns the agent routine
func (d *Daemon) Routine() *agent.Routine {
	return d.routine
}

// Gateway returns the HTTP gateway
func (d *Daemon) Gateway() *gateway.Server {
	return d.gateway
}
