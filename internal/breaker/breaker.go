// Package breaker implements a per-resource circuit breaker with the classic
// CLOSED/OPEN/HALF_OPEN state machine, plus a process-wide registry keyed by
// resource name.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"postdeck/internal/eventbus"
	logx "postdeck/pkg/logx"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type Config struct {
	// FailureThreshold consecutive failures in CLOSED trip the breaker.
	FailureThreshold int
	// SuccessThreshold consecutive successes in HALF_OPEN close it.
	SuccessThreshold int
	// OpenTimeout is how long OPEN lasts before a probe is allowed.
	OpenTimeout time.Duration
	// ResetTimeout is informational (exposed in Stats, not used for control).
	ResetTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	return c
}

// OpenError is returned by Execute when the breaker rejects the call.
// RetryAfter is the remaining wait before a probe is allowed.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("breaker %q is open (retry in %s)", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// Stats is a point-in-time snapshot for diagnostics. Not used for control flow.
type Stats struct {
	Name             string    `json:"name"`
	State            string    `json:"state"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	ConsecutiveOKs   int       `json:"consecutive_oks"`
	TotalRequests    uint64    `json:"total_requests"`
	TotalSuccesses   uint64    `json:"total_successes"`
	TotalFailures    uint64    `json:"total_failures"`
	ChangedAt        time.Time `json:"changed_at"`
	OpenedAt         time.Time `json:"opened_at,omitempty"`
	LastSuccess      time.Time `json:"last_success,omitempty"`
	LastFailure      time.Time `json:"last_failure,omitempty"`
	ResetTimeout     string    `json:"reset_timeout,omitempty"`
}

type Breaker struct {
	name string
	cfg  Config

	mu        sync.Mutex
	state     State
	fails     int // consecutive, current state
	oks       int // consecutive, meaningful in HALF_OPEN
	totalReq  uint64
	totalOK   uint64
	totalFail uint64
	changedAt time.Time
	openedAt  time.Time
	lastOK    time.Time
	lastFail  time.Time

	bus eventbus.Bus
	log logx.Logger

	now func() time.Time
}

func New(name string, cfg Config) *Breaker {
	b := &Breaker{
		name: name,
		cfg:  cfg.withDefaults(),
		now:  time.Now,
	}
	b.changedAt = b.now()
	return b
}

func (b *Breaker) SetBus(bus eventbus.Bus)   { b.bus = bus }
func (b *Breaker) SetLogger(log logx.Logger) { b.log = log }

func (b *Breaker) Name() string { return b.name }

// transitionLocked moves to next, resetting the consecutive counters.
// Counters reset on every transition. Caller holds b.mu.
func (b *Breaker) transitionLocked(next State, now time.Time) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	b.fails = 0
	b.oks = 0
	b.changedAt = now
	if next == StateOpen {
		b.openedAt = now
	}

	if !b.log.IsZero() {
		b.log.Info("breaker state changed",
			logx.String("name", b.name),
			logx.String("from", prev.String()),
			logx.String("to", next.String()),
		)
	}
	if b.bus != nil {
		b.bus.Publish(eventbus.Event{
			Type: "breaker." + next.String(),
			Data: map[string]any{
				"name": b.name,
				"from": prev.String(),
			},
		})
	}
}

// CanExecute reports whether a call may proceed. When OPEN and the open
// timeout has elapsed it transitions to HALF_OPEN and allows one probe.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.canExecuteLocked(b.now())
}

func (b *Breaker) canExecuteLocked(now time.Time) bool {
	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if now.Sub(b.openedAt) >= b.cfg.OpenTimeout {
			b.transitionLocked(StateHalfOpen, now)
			return true
		}
		return false
	default:
		return false
	}
}

// Execute runs fn under the breaker. When the breaker is open it fails fast
// with *OpenError carrying the remaining wait; otherwise the operation's own
// error is recorded and returned unchanged.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	now := b.now()
	if !b.canExecuteLocked(now) {
		remaining := b.cfg.OpenTimeout - now.Sub(b.openedAt)
		if remaining < 0 {
			remaining = 0
		}
		b.mu.Unlock()
		return &OpenError{Name: b.name, RetryAfter: remaining}
	}
	b.totalReq++
	b.mu.Unlock()

	err := fn(ctx)
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.totalOK++
	b.lastOK = now

	switch b.state {
	case StateClosed:
		b.fails = 0
	case StateHalfOpen:
		b.oks++
		if b.oks >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed, now)
		}
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.totalFail++
	b.lastFail = now

	switch b.state {
	case StateClosed:
		b.fails++
		if b.fails >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen, now)
		}
	case StateHalfOpen:
		// One failed probe re-opens immediately.
		b.transitionLocked(StateOpen, now)
	}
}

// ForceOpen trips the breaker administratively.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateOpen, b.now())
}

// ForceClose closes the breaker and zeroes the consecutive counters.
// Counters zero even when the breaker is already CLOSED, so an in-flight
// failure streak never survives an admin close.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateClosed, b.now())
	b.fails = 0
	b.oks = 0
}

// Reset is ForceClose plus zeroing the cumulative counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateClosed, b.now())
	b.fails = 0
	b.oks = 0
	b.totalReq = 0
	b.totalOK = 0
	b.totalFail = 0
	b.openedAt = time.Time{}
	b.lastOK = time.Time{}
	b.lastFail = time.Time{}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Stats{
		Name:             b.name,
		State:            b.state.String(),
		ConsecutiveFails: b.fails,
		ConsecutiveOKs:   b.oks,
		TotalRequests:    b.totalReq,
		TotalSuccesses:   b.totalOK,
		TotalFailures:    b.totalFail,
		ChangedAt:        b.changedAt,
		OpenedAt:         b.openedAt,
		LastSuccess:      b.lastOK,
		LastFailure:      b.lastFail,
	}
	if b.cfg.ResetTimeout > 0 {
		st.ResetTimeout = b.cfg.ResetTimeout.String()
	}
	return st
}
