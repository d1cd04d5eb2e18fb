package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "postdeck/pkg/logx"
)

var errBoom = errors.New("boom")

func newTestBreaker(cfg Config) (*Breaker, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b := New("test", cfg)
	b.now = func() time.Time { return now }
	b.changedAt = now
	return b, &now
}

func fail(ctx context.Context) error { return errBoom }
func ok(ctx context.Context) error   { return nil }

func TestTripAfterFailureThreshold(t *testing.T) {
	t.Parallel()

	cfg := Config{FailureThreshold: 3, SuccessThreshold: 2, OpenTimeout: 30 * time.Second}
	b, _ := newTestBreaker(cfg)
	ctx := context.Background()

	for i := 0; i < cfg.FailureThreshold-1; i++ {
		if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("failure %d: err = %v, want errBoom", i+1, err)
		}
		if got := b.State(); got != StateClosed {
			t.Fatalf("failure %d: state = %v, want closed", i+1, got)
		}
	}

	if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
		t.Fatalf("tripping failure: err = %v, want errBoom", err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after threshold failures = %v, want open", got)
	}
}

func TestOpenFailsFastWithRemainingWait(t *testing.T) {
	t.Parallel()

	cfg := Config{FailureThreshold: 1, SuccessThreshold: 1, OpenTimeout: 30 * time.Second}
	b, now := newTestBreaker(cfg)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	err := b.Execute(ctx, ok)
	var oe *OpenError
	if !errors.As(err, &oe) {
		t.Fatalf("err = %v, want *OpenError", err)
	}
	if oe.RetryAfter != cfg.OpenTimeout {
		t.Fatalf("RetryAfter = %v, want %v", oe.RetryAfter, cfg.OpenTimeout)
	}

	*now = now.Add(10 * time.Second)
	err = b.Execute(ctx, ok)
	if !errors.As(err, &oe) {
		t.Fatalf("err = %v, want *OpenError", err)
	}
	if oe.RetryAfter != 20*time.Second {
		t.Fatalf("RetryAfter = %v, want 20s", oe.RetryAfter)
	}
}

func TestHalfOpenProbeAndRecovery(t *testing.T) {
	t.Parallel()

	cfg := Config{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: 30 * time.Second}
	b, now := newTestBreaker(cfg)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)

	// Open timeout elapses: the next call probes in HALF_OPEN.
	*now = now.Add(cfg.OpenTimeout)
	if err := b.Execute(ctx, ok); err != nil {
		t.Fatalf("probe should run, got %v", err)
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state after one probe success = %v, want half_open", got)
	}

	if err := b.Execute(ctx, ok); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after %d probe successes = %v, want closed", cfg.SuccessThreshold, got)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	cfg := Config{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: 30 * time.Second}
	b, now := newTestBreaker(cfg)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	*now = now.Add(cfg.OpenTimeout)

	if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
		t.Fatalf("probe err = %v, want errBoom", err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after failed probe = %v, want open", got)
	}

	// The open window restarts from the failed probe.
	err := b.Execute(ctx, ok)
	var oe *OpenError
	if !errors.As(err, &oe) {
		t.Fatalf("err = %v, want *OpenError", err)
	}
	if oe.RetryAfter != cfg.OpenTimeout {
		t.Fatalf("RetryAfter = %v, want %v", oe.RetryAfter, cfg.OpenTimeout)
	}
}

func TestCountersResetOnTransition(t *testing.T) {
	t.Parallel()

	cfg := Config{FailureThreshold: 2, SuccessThreshold: 1, OpenTimeout: time.Second}
	b, now := newTestBreaker(cfg)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	st := b.Stats()
	if st.State != "open" || st.ConsecutiveFails != 0 {
		t.Fatalf("after trip: state=%s fails=%d, want open/0", st.State, st.ConsecutiveFails)
	}
	if st.TotalFailures != 2 {
		t.Fatalf("TotalFailures = %d, want 2 (cumulative survives transitions)", st.TotalFailures)
	}

	*now = now.Add(cfg.OpenTimeout)
	if err := b.Execute(ctx, ok); err != nil {
		t.Fatalf("probe: %v", err)
	}
	st = b.Stats()
	if st.State != "closed" || st.ConsecutiveOKs != 0 {
		t.Fatalf("after recovery: state=%s oks=%d, want closed/0", st.State, st.ConsecutiveOKs)
	}
}

func TestForceOpenForceClose(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(Config{FailureThreshold: 5, SuccessThreshold: 2, OpenTimeout: time.Minute})

	b.ForceOpen()
	if b.CanExecute() {
		t.Fatalf("forced-open breaker must reject")
	}
	b.ForceClose()
	if !b.CanExecute() {
		t.Fatalf("forced-closed breaker must allow")
	}

	b.ForceOpen()
	b.Reset()
	st := b.Stats()
	if st.State != "closed" || st.TotalRequests != 0 {
		t.Fatalf("after Reset: state=%s total=%d, want closed/0", st.State, st.TotalRequests)
	}
}

func TestResetWhileClosedClearsStreak(t *testing.T) {
	t.Parallel()

	cfg := Config{FailureThreshold: 3, SuccessThreshold: 1, OpenTimeout: time.Minute}
	b, _ := newTestBreaker(cfg)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	b.Reset()

	st := b.Stats()
	if st.ConsecutiveFails != 0 {
		t.Fatalf("ConsecutiveFails after Reset = %d, want 0", st.ConsecutiveFails)
	}
	if st.TotalFailures != 0 {
		t.Fatalf("TotalFailures after Reset = %d, want 0", st.TotalFailures)
	}

	// A fresh streak starts from zero: two failures must not trip.
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
	_ = b.Execute(ctx, fail)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
}

func TestForceCloseWhileClosedClearsStreak(t *testing.T) {
	t.Parallel()

	cfg := Config{FailureThreshold: 3, SuccessThreshold: 1, OpenTimeout: time.Minute}
	b, _ := newTestBreaker(cfg)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	b.ForceClose()

	st := b.Stats()
	if st.ConsecutiveFails != 0 {
		t.Fatalf("ConsecutiveFails after ForceClose = %d, want 0", st.ConsecutiveFails)
	}
	if st.TotalFailures != 2 {
		t.Fatalf("TotalFailures after ForceClose = %d, want 2 (cumulative kept)", st.TotalFailures)
	}

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestSuccessInClosedClearsFailureStreak(t *testing.T) {
	t.Parallel()

	cfg := Config{FailureThreshold: 3, SuccessThreshold: 1, OpenTimeout: time.Minute}
	b, _ := newTestBreaker(cfg)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, ok)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed (streak was broken)", got)
	}
	_ = b.Execute(ctx, fail)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
}

func TestRegistryLazyAndBulk(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{FailureThreshold: 1, OpenTimeout: time.Minute}, nil, logx.Logger{})

	a := r.Get("actor")
	if a2 := r.Get("actor"); a2 != a {
		t.Fatalf("Get must return the same instance per name")
	}
	_ = r.Get("store")

	a.ForceOpen()
	stats := r.StatsAll()
	if len(stats) != 2 {
		t.Fatalf("StatsAll len = %d, want 2", len(stats))
	}
	if stats[0].Name != "actor" || stats[0].State != "open" {
		t.Fatalf("stats[0] = %+v, want actor/open", stats[0])
	}

	r.ResetAll()
	if got := a.State(); got != StateClosed {
		t.Fatalf("state after ResetAll = %v, want closed", got)
	}
}
