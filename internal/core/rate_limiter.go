package core

import (
	"fmt"
	"sync"
	"time"
)

// RateLimitError reports a refused request and when the caller may retry.
// It matches ErrRateLimited with errors.Is.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry in %s", e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

type window struct {
	opened time.Time
	used   int
}

// RateLimiter allows limit events per key in each fixed window.
type RateLimiter struct {
	limit  int
	period time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

func NewRateLimiter(limit int, period time.Duration, now func() time.Time) *RateLimiter {
	if limit <= 0 {
		limit = 30
	}
	if period <= 0 {
		period = time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{limit: limit, period: period, now: now, windows: make(map[string]*window)}
}

// Take records one event for key. It returns nil when allowed and a
// *RateLimitError otherwise.
func (r *RateLimiter) Take(key string) error {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.windows[key]
	if !ok || now.Sub(w.opened) >= r.period {
		r.windows[key] = &window{opened: now, used: 1}
		return nil
	}
	if w.used >= r.limit {
		return &RateLimitError{RetryAfter: w.opened.Add(r.period).Sub(now)}
	}
	w.used++
	return nil
}

// Prune forgets windows that have closed.
func (r *RateLimiter) Prune() {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, w := range r.windows {
		if now.Sub(w.opened) >= r.period {
			delete(r.windows, k)
		}
	}
}
