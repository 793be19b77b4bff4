// Package ratelimit implements a sliding-window request counter per (user, action).
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultMax    = 10
	DefaultWindow = 60 * time.Second
)

type key struct {
	user   string
	action string
}

// Decision is the outcome of one Check call.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	ResetIn    time.Duration `json:"reset_in"`
	RetryAfter time.Duration `json:"retry_after"`
}

type Stats struct {
	TrackedKeys    int `json:"tracked_keys"`
	ActiveRequests int `json:"active_requests"`
}

type Limiter struct {
	mu       sync.Mutex
	max      int
	window   time.Duration
	requests map[key][]time.Time
	Now      func() time.Time
}

func New(max int, window time.Duration) *Limiter {
	if max <= 0 {
		max = DefaultMax
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{max: max, window: window, requests: map[key][]time.Time{}, Now: time.Now}
}

func (l *Limiter) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Check records a request for (user, action) when it fits in the window.
// Rejected requests are not recorded.
func (l *Limiter) Check(user, action string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	k := key{user: user, action: action}
	recent := l.prune(l.requests[k], now)
	if len(recent) >= l.max {
		l.requests[k] = recent
		return Decision{Allowed: false, RetryAfter: l.window - now.Sub(recent[0])}
	}
	recent = append(recent, now)
	l.requests[k] = recent
	return Decision{
		Allowed:   true,
		Remaining: l.max - len(recent),
		ResetIn:   l.window - now.Sub(recent[0]),
	}
}

// Reset forgets the history for (user, action).
func (l *Limiter) Reset(user, action string) {
	l.mu.Lock()
	delete(l.requests, key{user: user, action: action})
	l.mu.Unlock()
}

// Cleanup drops requests that left the window and keys with nothing left.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cleared := 0
	for k, times := range l.requests {
		recent := l.prune(times, now)
		if len(recent) == 0 {
			delete(l.requests, k)
			cleared++
			continue
		}
		l.requests[k] = recent
	}
	return cleared
}

// Run cleans up once per window until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup()
		}
	}
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Stats{TrackedKeys: len(l.requests)}
	for _, times := range l.requests {
		s.ActiveRequests += len(times)
	}
	return s
}

func (l *Limiter) prune(times []time.Time, now time.Time) []time.Time {
	i := 0
	for i < len(times) && now.Sub(times[i]) >= l.window {
		i++
	}
	if i == 0 {
		return times
	}
	return append([]time.Time(nil), times[i:]...)
}
