// Package limiter caps how many tool calls may be admitted within one model step.
// Overflow is rejected, never queued.
package limiter

import (
	"fmt"
	"sync"
)

// Outcome is the admission result for a single tool call
type Outcome string

const (
	Executed    Outcome = "executed"
	RateLimited Outcome = "rate_limited"
)

// Limiter tracks admitted calls per step
type Limiter struct {
	max    int
	counts map[int64]int
	mu     sync.Mutex
}

// New creates a limiter admitting at most max calls per step.
// A non-positive max admits nothing.
func New(max int) *Limiter {
	return &Limiter{
		max:    max,
		counts: make(map[int64]int),
	}
}

// Max returns the per-step budget
func (l *Limiter) Max() int {
	return l.max
}

// Admit counts one call against step and reports whether it may run.
// The increment and the comparison happen under the same lock.
func (l *Limiter) Admit(step int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.counts[step]++
	return l.counts[step] <= l.max
}

// AdmitAll admits n calls in order and returns their outcomes
func (l *Limiter) AdmitAll(step int64, n int) []Outcome {
	outcomes := make([]Outcome, n)
	for i := range outcomes {
		if l.Admit(step) {
			outcomes[i] = Executed
		} else {
			outcomes[i] = RateLimited
		}
	}
	return outcomes
}

// Count returns how many calls were admitted or refused for step
func (l *Limiter) Count(step int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[step]
}

// Forget drops a finished step
func (l *Limiter) Forget(step int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.counts, step)
}

// RateLimitMessage is the synthetic tool result for a call refused by the limiter
func RateLimitMessage(toolName, args string) string {
	return fmt.Sprintf("The tool %s with arguments %s could not be executed due to rate limit. Call it again.", toolName, args)
}
