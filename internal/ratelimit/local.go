package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Allower is the check interface shared by the Redis and local limiters.
type Allower interface {
	Allow(ctx context.Context, identifier string, rule Rule) (bool, error)
}

// LocalLimiter applies the same fixed-window counting as Limiter, in
// process memory. Single-instance deployments use it when no Redis is
// configured; counters are not shared across replicas.
type LocalLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

type window struct {
	count int
	reset time.Time
}

// NewLocalLimiter creates an in-memory limiter.
func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow checks whether the identifier is within the rule's limit,
// incrementing the window counter.
func (l *LocalLimiter) Allow(_ context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.After(w.reset) {
		w = &window{reset: now.Add(rule.Window)}
		l.windows[key] = w
		l.purgeLocked(now)
	}
	w.count++
	return w.count <= rule.Limit, nil
}

// Remaining reports how many actions are left in the current window.
func (l *LocalLimiter) Remaining(_ context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.After(w.reset) {
		return rule.Limit, nil
	}
	remaining := rule.Limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// purgeLocked drops expired windows once the map grows past a threshold,
// so idle identifiers do not accumulate forever.
func (l *LocalLimiter) purgeLocked(now time.Time) {
	if len(l.windows) < 4096 {
		return
	}
	for key, w := range l.windows {
		if now.After(w.reset) {
			delete(l.windows, key)
		}
	}
}
