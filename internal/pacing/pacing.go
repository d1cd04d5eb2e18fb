// Package pacing enforces human-like cadence on platform actions: a minimum
// jittered gap between consecutive actions, an hourly token budget per action
// kind, and a daily hard cap. The queue manager consults CheckRateLimit
// before dispatching to the actor and calls RecordAction after success.
package pacing

import (
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"postdeck/internal/ratelimit"
)

// Decision is the outcome of one pacing check. When not allowed, Wait is a
// hint for how long to back off before trying again.
type Decision struct {
	Allowed bool
	Wait    time.Duration
}

type Policy interface {
	CheckRateLimit(action string) Decision
	RecordAction(action string)
}

// Budget describes the per-action pacing limits.
type Budget struct {
	PerHour  int
	Burst    int
	DailyMax int
}

// Default budgets per action kind, tuned to stay well under platform
// detection heuristics.
var defaultBudgets = map[string]Budget{
	"post":   {PerHour: 5, Burst: 2, DailyMax: 30},
	"reply":  {PerHour: 10, Burst: 3, DailyMax: 60},
	"like":   {PerHour: 30, Burst: 5, DailyMax: 200},
	"follow": {PerHour: 10, Burst: 2, DailyMax: 50},
}

type Config struct {
	// MinGap is the minimum spacing between consecutive actions of any kind.
	// Default 45s.
	MinGap time.Duration
	// Jitter widens MinGap by a random fraction in [0, Jitter]. Default 0.3.
	Jitter float64
	// Budgets overrides per-action limits; missing actions use defaults.
	Budgets map[string]Budget
}

// Human implements Policy.
type Human struct {
	mu sync.Mutex

	minGap  time.Duration
	jitter  float64
	budgets map[string]Budget

	hourly map[string]*rate.Limiter
	daily  *ratelimit.Limiter

	lastAction time.Time
	// currentGap is re-rolled after every recorded action so the observable
	// spacing varies instead of ticking like a metronome.
	currentGap time.Duration

	rng *rand.Rand
	now func() time.Time
}

var _ Policy = (*Human)(nil)

func NewHuman(cfg Config) *Human {
	if cfg.MinGap <= 0 {
		cfg.MinGap = 45 * time.Second
	}
	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		cfg.Jitter = 0.3
	}
	budgets := make(map[string]Budget, len(defaultBudgets))
	for k, v := range defaultBudgets {
		budgets[k] = v
	}
	for k, v := range cfg.Budgets {
		budgets[k] = v
	}

	h := &Human{
		minGap:  cfg.MinGap,
		jitter:  cfg.Jitter,
		budgets: budgets,
		hourly:  make(map[string]*rate.Limiter),
		daily:   ratelimit.NewLimiter(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
	h.currentGap = h.rollGap()
	return h
}

// Apply updates gap and budget settings in place. Hourly limiters are
// rebuilt lazily so changed budgets take effect on the next check; consumed
// daily budget is kept.
func (h *Human) Apply(cfg Config) {
	if cfg.MinGap <= 0 {
		cfg.MinGap = 45 * time.Second
	}
	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		cfg.Jitter = 0.3
	}
	budgets := make(map[string]Budget, len(defaultBudgets))
	for k, v := range defaultBudgets {
		budgets[k] = v
	}
	for k, v := range cfg.Budgets {
		budgets[k] = v
	}

	h.mu.Lock()
	h.minGap = cfg.MinGap
	h.jitter = cfg.Jitter
	h.budgets = budgets
	h.hourly = make(map[string]*rate.Limiter)
	h.currentGap = h.rollGap()
	h.mu.Unlock()
}

func (h *Human) rollGap() time.Duration {
	if h.jitter == 0 {
		return h.minGap
	}
	extra := time.Duration(h.rng.Float64() * h.jitter * float64(h.minGap))
	return h.minGap + extra
}

func (h *Human) budget(action string) Budget {
	if b, ok := h.budgets[action]; ok {
		return b
	}
	return defaultBudgets["post"]
}

func (h *Human) hourlyLimiter(action string) *rate.Limiter {
	lim := h.hourly[action]
	if lim == nil {
		b := h.budget(action)
		perHour := b.PerHour
		if perHour <= 0 {
			perHour = 5
		}
		burst := b.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Every(time.Hour/time.Duration(perHour)), burst)
		h.hourly[action] = lim
	}
	return lim
}

func (h *Human) dailyConfig(action string) ratelimit.Config {
	b := h.budget(action)
	max := b.DailyMax
	if max <= 0 {
		max = 30
	}
	return ratelimit.Config{Window: 24 * time.Hour, MaxRequests: max, KeyPrefix: "daily"}
}

// CheckRateLimit reports whether an action of the given kind may run now.
// It never consumes budget; call RecordAction once the action succeeded.
func (h *Human) CheckRateLimit(action string) Decision {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()

	if !h.lastAction.IsZero() {
		elapsed := now.Sub(h.lastAction)
		if elapsed < h.currentGap {
			return Decision{Wait: h.currentGap - elapsed}
		}
	}

	lim := h.hourlyLimiter(action)
	if tokens := lim.TokensAt(now); tokens < 1 {
		wait := time.Duration(float64(time.Second) * (1 - tokens) / float64(lim.Limit()))
		if wait < time.Second {
			wait = time.Second
		}
		return Decision{Wait: wait}
	}

	if res := h.daily.Peek(action, h.dailyConfig(action)); !res.Allowed {
		return Decision{Wait: time.Duration(res.RetryAfter) * time.Second}
	}

	return Decision{Allowed: true}
}

// RecordAction consumes one unit of every budget and restarts the gap clock.
func (h *Human) RecordAction(action string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	h.lastAction = now
	h.currentGap = h.rollGap()
	h.hourlyLimiter(action).AllowN(now, 1)
	h.daily.Check(action, h.dailyConfig(action))
}
