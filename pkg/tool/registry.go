package tool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const defaultProbeTimeout = 5 * time.Second

// Registry maps tool names to tools. It is populated at startup and only read while
// requests are served, so concurrent lookups are safe.
type Registry struct {
	tools        map[string]Tool
	order        []string
	probeTimeout time.Duration
	mu           sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		tools:        make(map[string]Tool),
		probeTimeout: defaultProbeTimeout,
	}
}

// SetProbeTimeout bounds how long a single health probe may take
func (r *Registry) SetProbeTimeout(timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if timeout > 0 {
		r.probeTimeout = timeout
	}
}

// Register adds a tool. Names are unique.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return fmt.Errorf("tool cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return &DuplicateToolError{Name: name}
	}

	r.tools[name] = t
	r.order = append(r.order, name)

	log.Debug().Str("tool", name).Bool("hil", t.RequiresHIL()).Msg("Tool registered")
	return nil
}

// Get returns a tool by name
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools in registration order
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		tools = append(tools, r.tools[name])
	}
	return tools
}

// Len returns the number of registered tools
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Subset returns the named tools in the given order. An empty list selects every tool.
func (r *Registry) Subset(names []string) ([]Tool, error) {
	if len(names) == 0 {
		return r.List(), nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
		}
		tools = append(tools, t)
	}
	return tools, nil
}

// HealthCheckAll probes every tool concurrently. A probe that reports false, panics or
// exceeds the probe timeout resolves to false; it never fails the batch.
func (r *Registry) HealthCheckAll(ctx context.Context, ec *ExecutionContext) map[string]bool {
	tools := r.List()

	r.mu.RLock()
	timeout := r.probeTimeout
	r.mu.RUnlock()

	results := make([]bool, len(tools))
	var g errgroup.Group
	for i, t := range tools {
		g.Go(func() error {
			results[i] = probe(ctx, t, ec, timeout)
			return nil
		})
	}
	_ = g.Wait()

	health := make(map[string]bool, len(tools))
	for i, t := range tools {
		health[t.Name()] = results[i]
	}
	return health
}

func probe(ctx context.Context, t Tool, ec *ExecutionContext, timeout time.Duration) bool {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultChan := make(chan bool, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Warn().Str("tool", t.Name()).Interface("panic", rec).Msg("Health probe panicked")
				resultChan <- false
			}
		}()
		resultChan <- t.IsOnline(probeCtx, ec)
	}()

	select {
	case online := <-resultChan:
		return online
	case <-probeCtx.Done():
		log.Warn().Str("tool", t.Name()).Dur("timeout", timeout).Msg("Health probe timed out")
		return false
	}
}
