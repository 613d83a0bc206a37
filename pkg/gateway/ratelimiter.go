package gateway

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrTooManyConcurrent = errors.New("too many concurrent requests")
)

// RequestLimiter implements sliding window rate limiting per subject.
// A limit of zero disables that check.
type RequestLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxConcurrent     int
	subjects          map[string]*subjectWindow
	now               func() time.Time
}

type subjectWindow struct {
	requests   []time.Time
	concurrent int
}

// NewRequestLimiter creates a limiter with the given limits
func NewRequestLimiter(requestsPerMinute, maxConcurrent int) *RequestLimiter {
	return &RequestLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		subjects:          make(map[string]*subjectWindow),
		now:               time.Now,
	}
}

// Acquire admits one request for subject. The returned release must be called
// when the request ends.
func (l *RequestLimiter) Acquire(subject string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.window(subject)
	w.prune(now)

	if l.maxConcurrent > 0 && w.concurrent >= l.maxConcurrent {
		return nil, ErrTooManyConcurrent
	}
	if l.requestsPerMinute > 0 && len(w.requests) >= l.requestsPerMinute {
		return nil, ErrRateLimited
	}

	w.requests = append(w.requests, now)
	w.concurrent++

	var once sync.Once
	return func() {
		once.Do(func() { l.release(subject) })
	}, nil
}

func (l *RequestLimiter) release(subject string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.subjects[subject]
	if !ok {
		return
	}
	if w.concurrent > 0 {
		w.concurrent--
	}
	w.prune(l.now())
	if w.concurrent == 0 && len(w.requests) == 0 {
		delete(l.subjects, subject)
	}
}

// UpdateLimits updates the rate limits
func (l *RequestLimiter) UpdateLimits(requestsPerMinute, maxConcurrent int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.requestsPerMinute = requestsPerMinute
	l.maxConcurrent = maxConcurrent
}

// Stats returns the requests in the current window and the concurrent count of subject
func (l *RequestLimiter) Stats(subject string) (requestCount, concurrentCount int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.subjects[subject]
	if !ok {
		return 0, 0
	}
	w.prune(l.now())
	return len(w.requests), w.concurrent
}

func (l *RequestLimiter) window(subject string) *subjectWindow {
	w, ok := l.subjects[subject]
	if !ok {
		w = &subjectWindow{}
		l.subjects[subject] = w
	}
	return w
}

// prune drops requests older than one minute
func (w *subjectWindow) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	valid := w.requests[:0]
	for _, at := range w.requests {
		if at.After(cutoff) {
			valid = append(valid, at)
		}
	}
	w.requests = valid
}
