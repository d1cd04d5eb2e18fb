// Package ratelimit provides fixed-window request counters keyed by a
// caller-supplied identifier. Counters are purely advisory: nothing here
// blocks, callers decide how to react (HTTP 429, deferral, alert).
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// Config describes one rate-limit class.
type Config struct {
	// Window is the fixed window length.
	Window time.Duration
	// MaxRequests allowed within one window.
	MaxRequests int
	// KeyPrefix namespaces entries so distinct classes sharing a Limiter
	// never collide on the same identifier.
	KeyPrefix string
}

// Pre-defined profiles for the distinct classes of external-facing work.
// A configuration table, not separate logic.
var (
	General       = Config{Window: time.Minute, MaxRequests: 60, KeyPrefix: "general"}
	Generation    = Config{Window: time.Minute, MaxRequests: 10, KeyPrefix: "generation"}
	BrowserAction = Config{Window: time.Minute, MaxRequests: 20, KeyPrefix: "browser"}
	Delivery      = Config{Window: time.Minute, MaxRequests: 10, KeyPrefix: "delivery"}
	Auth          = Config{Window: 15 * time.Minute, MaxRequests: 5, KeyPrefix: "auth"}
)

// Result of one check. RetryAfter is in whole seconds (ceiled) and only set
// when the request was rejected.
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter int
}

type window struct {
	start  time.Time
	length time.Duration
	count  int
}

// Limiter holds fixed-window counters for any number of keys.
// Stale windows are purged lazily, at most once per sweepEvery, so memory
// stays bounded without a background goroutine.
type Limiter struct {
	mu         sync.Mutex
	m          map[string]*window
	lastSweep  time.Time
	sweepEvery time.Duration

	// now is swappable for tests.
	now func() time.Time
}

func NewLimiter() *Limiter {
	return &Limiter{
		m:          make(map[string]*window),
		sweepEvery: 5 * time.Minute,
		now:        time.Now,
	}
}

// Check records one request against cfg for key and reports the verdict.
func (l *Limiter) Check(key string, cfg Config) Result {
	if cfg.MaxRequests <= 0 || cfg.Window <= 0 {
		// Misconfigured class: allow, never divide by zero downstream.
		return Result{Allowed: true, Remaining: 0, ResetAt: l.now()}
	}

	k := cfg.KeyPrefix + ":" + strings.TrimSpace(key)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweepLocked(now)

	w := l.m[k]
	if w == nil || now.Sub(w.start) >= cfg.Window {
		l.m[k] = &window{start: now, length: cfg.Window, count: 1}
		return Result{
			Allowed:   true,
			Remaining: cfg.MaxRequests - 1,
			ResetAt:   now.Add(cfg.Window),
		}
	}

	resetAt := w.start.Add(cfg.Window)
	if w.count >= cfg.MaxRequests {
		retry := int((resetAt.Sub(now) + time.Second - 1) / time.Second)
		if retry < 1 {
			retry = 1
		}
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt, RetryAfter: retry}
	}

	w.count++
	return Result{Allowed: true, Remaining: cfg.MaxRequests - w.count, ResetAt: resetAt}
}

// Peek reports the verdict a Check would return right now without
// consuming any budget.
func (l *Limiter) Peek(key string, cfg Config) Result {
	if cfg.MaxRequests <= 0 || cfg.Window <= 0 {
		return Result{Allowed: true, Remaining: 0, ResetAt: l.now()}
	}

	k := cfg.KeyPrefix + ":" + strings.TrimSpace(key)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.m[k]
	if w == nil || now.Sub(w.start) >= cfg.Window {
		return Result{Allowed: true, Remaining: cfg.MaxRequests, ResetAt: now.Add(cfg.Window)}
	}
	resetAt := w.start.Add(cfg.Window)
	if w.count >= cfg.MaxRequests {
		retry := int((resetAt.Sub(now) + time.Second - 1) / time.Second)
		if retry < 1 {
			retry = 1
		}
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt, RetryAfter: retry}
	}
	return Result{Allowed: true, Remaining: cfg.MaxRequests - w.count, ResetAt: resetAt}
}

// Reset drops the counter for one key under cfg's prefix.
func (l *Limiter) Reset(key string, cfg Config) {
	k := cfg.KeyPrefix + ":" + strings.TrimSpace(key)
	l.mu.Lock()
	delete(l.m, k)
	l.mu.Unlock()
}

// Len reports how many windows are currently tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

// sweepLocked purges expired windows. Each entry carries its own window
// length, so a long-lived window (auth, daily budgets) survives sweeps that
// fire while it is still live. Caller holds l.mu.
func (l *Limiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.sweepEvery {
		return
	}
	l.lastSweep = now
	for k, w := range l.m {
		if w == nil || now.Sub(w.start) >= w.length {
			delete(l.m, k)
		}
	}
}
