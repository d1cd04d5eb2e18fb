package ratelimit

import (
	"fmt"
	"testing"
	"time"
)

func newTestLimiter(start time.Time) (*Limiter, *time.Time) {
	now := start
	l := NewLimiter()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestCheckWindowQuota(t *testing.T) {
	t.Parallel()

	cfg := Config{Window: time.Minute, MaxRequests: 3, KeyPrefix: "t"}
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l, now := newTestLimiter(base)

	for i := 0; i < cfg.MaxRequests; i++ {
		res := l.Check("user-1", cfg)
		if !res.Allowed {
			t.Fatalf("request %d: expected allowed", i+1)
		}
		if want := cfg.MaxRequests - 1 - i; res.Remaining != want {
			t.Fatalf("request %d: remaining = %d, want %d", i+1, res.Remaining, want)
		}
	}

	res := l.Check("user-1", cfg)
	if res.Allowed {
		t.Fatalf("request %d: expected rejection", cfg.MaxRequests+1)
	}
	if res.RetryAfter <= 0 {
		t.Fatalf("rejection must carry positive RetryAfter, got %d", res.RetryAfter)
	}
	if want := base.Add(cfg.Window); !res.ResetAt.Equal(want) {
		t.Fatalf("ResetAt = %v, want %v", res.ResetAt, want)
	}

	// Window rolls over: fresh budget.
	*now = base.Add(cfg.Window)
	res = l.Check("user-1", cfg)
	if !res.Allowed {
		t.Fatalf("expected fresh window to allow")
	}
	if want := cfg.MaxRequests - 1; res.Remaining != want {
		t.Fatalf("fresh window remaining = %d, want %d", res.Remaining, want)
	}
}

func TestCheckRetryAfterCeil(t *testing.T) {
	t.Parallel()

	cfg := Config{Window: 10 * time.Second, MaxRequests: 1, KeyPrefix: "t"}
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l, now := newTestLimiter(base)

	if res := l.Check("k", cfg); !res.Allowed {
		t.Fatalf("first request should be allowed")
	}

	cases := []struct {
		elapsed time.Duration
		want    int
	}{
		{0, 10},
		{500 * time.Millisecond, 10},
		{9 * time.Second, 1},
		{9500 * time.Millisecond, 1},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(fmt.Sprintf("elapsed=%s", tc.elapsed), func(t *testing.T) {
			*now = base.Add(tc.elapsed)
			res := l.Check("k", cfg)
			if res.Allowed {
				t.Fatalf("expected rejection at %s", tc.elapsed)
			}
			if res.RetryAfter != tc.want {
				t.Fatalf("RetryAfter = %d, want %d", res.RetryAfter, tc.want)
			}
		})
	}
}

func TestKeysIsolatedByPrefix(t *testing.T) {
	t.Parallel()

	a := Config{Window: time.Minute, MaxRequests: 1, KeyPrefix: "a"}
	b := Config{Window: time.Minute, MaxRequests: 1, KeyPrefix: "b"}
	l, _ := newTestLimiter(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	if res := l.Check("same-id", a); !res.Allowed {
		t.Fatalf("profile a should allow")
	}
	if res := l.Check("same-id", b); !res.Allowed {
		t.Fatalf("profile b must not share profile a's counter")
	}
	if res := l.Check("same-id", a); res.Allowed {
		t.Fatalf("profile a quota exhausted, expected rejection")
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	cfg := Config{Window: time.Minute, MaxRequests: 1, KeyPrefix: "t"}
	l, _ := newTestLimiter(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	l.Check("k", cfg)
	if res := l.Check("k", cfg); res.Allowed {
		t.Fatalf("expected rejection before reset")
	}
	l.Reset("k", cfg)
	if res := l.Check("k", cfg); !res.Allowed {
		t.Fatalf("expected allowance after reset")
	}
}

func TestLazySweep(t *testing.T) {
	t.Parallel()

	cfg := Config{Window: time.Second, MaxRequests: 1, KeyPrefix: "t"}
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l, now := newTestLimiter(base)
	l.sweepEvery = time.Minute

	for i := 0; i < 10; i++ {
		l.Check(fmt.Sprintf("k%d", i), cfg)
	}
	if got := l.Len(); got != 10 {
		t.Fatalf("tracked windows = %d, want 10", got)
	}

	// All windows are stale after sweepEvery; the next Check purges them.
	*now = base.Add(2 * time.Minute)
	l.Check("fresh", cfg)
	if got := l.Len(); got != 1 {
		t.Fatalf("tracked windows after sweep = %d, want 1", got)
	}
}

func TestSweepKeepsLiveLongWindows(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l, now := newTestLimiter(base)

	// Exhaust the 15-minute auth quota.
	for i := 0; i < Auth.MaxRequests; i++ {
		if res := l.Check("acct", Auth); !res.Allowed {
			t.Fatalf("request %d: expected allowed", i+1)
		}
	}

	// Trip the sweep from another key while the auth window is still live.
	*now = base.Add(6 * time.Minute)
	l.Check("other", General)

	res := l.Check("acct", Auth)
	if res.Allowed {
		t.Fatalf("quota exhausted mid-window, expected rejection, got %+v", res)
	}
	if want := base.Add(Auth.Window); !res.ResetAt.Equal(want) {
		t.Fatalf("ResetAt = %v, want %v", res.ResetAt, want)
	}

	// Once the window actually expires the next sweep may drop it and the
	// budget renews.
	*now = base.Add(Auth.Window)
	if res := l.Check("acct", Auth); !res.Allowed {
		t.Fatalf("expected fresh window after expiry")
	}
}
