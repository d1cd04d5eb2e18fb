package pacing

import (
	"testing"
	"time"
)

// Generous hourly budget so gap/daily tests don't trip it.
var roomy = Budget{PerHour: 3600, Burst: 100, DailyMax: 10000}

func TestMinGapBetweenActions(t *testing.T) {
	t.Parallel()

	h := NewHuman(Config{
		MinGap:  80 * time.Millisecond,
		Budgets: map[string]Budget{"post": roomy},
	})

	if d := h.CheckRateLimit("post"); !d.Allowed {
		t.Fatalf("first action must be allowed, wait=%v", d.Wait)
	}
	h.RecordAction("post")

	d := h.CheckRateLimit("post")
	if d.Allowed {
		t.Fatalf("action inside min gap must be disallowed")
	}
	if d.Wait <= 0 {
		t.Fatalf("disallowed decision must carry a wait hint, got %v", d.Wait)
	}

	time.Sleep(120 * time.Millisecond)
	if d := h.CheckRateLimit("post"); !d.Allowed {
		t.Fatalf("action after gap must be allowed, wait=%v", d.Wait)
	}
}

func TestHourlyBurstExhaustion(t *testing.T) {
	t.Parallel()

	h := NewHuman(Config{
		MinGap:  time.Nanosecond,
		Budgets: map[string]Budget{"post": {PerHour: 60, Burst: 2, DailyMax: 10000}},
	})

	for i := 0; i < 2; i++ {
		if d := h.CheckRateLimit("post"); !d.Allowed {
			t.Fatalf("burst action %d must be allowed, wait=%v", i+1, d.Wait)
		}
		h.RecordAction("post")
		time.Sleep(time.Millisecond)
	}

	d := h.CheckRateLimit("post")
	if d.Allowed {
		t.Fatalf("action beyond burst must be disallowed")
	}
	if d.Wait <= 0 {
		t.Fatalf("wait hint missing, got %v", d.Wait)
	}
}

func TestDailyCap(t *testing.T) {
	t.Parallel()

	h := NewHuman(Config{
		MinGap:  time.Nanosecond,
		Budgets: map[string]Budget{"post": {PerHour: 3600, Burst: 100, DailyMax: 2}},
	})

	for i := 0; i < 2; i++ {
		if d := h.CheckRateLimit("post"); !d.Allowed {
			t.Fatalf("action %d must be allowed, wait=%v", i+1, d.Wait)
		}
		h.RecordAction("post")
		time.Sleep(time.Millisecond)
	}

	d := h.CheckRateLimit("post")
	if d.Allowed {
		t.Fatalf("action beyond daily cap must be disallowed")
	}
	if d.Wait <= 0 || d.Wait > 24*time.Hour {
		t.Fatalf("daily wait hint out of range: %v", d.Wait)
	}
}

func TestCheckDoesNotConsume(t *testing.T) {
	t.Parallel()

	h := NewHuman(Config{
		MinGap:  time.Nanosecond,
		Budgets: map[string]Budget{"post": {PerHour: 3600, Burst: 100, DailyMax: 1}},
	})

	// Many checks must not burn the single daily unit.
	for i := 0; i < 10; i++ {
		if d := h.CheckRateLimit("post"); !d.Allowed {
			t.Fatalf("check %d disallowed, wait=%v", i+1, d.Wait)
		}
	}
	h.RecordAction("post")
	time.Sleep(time.Millisecond)
	if d := h.CheckRateLimit("post"); d.Allowed {
		t.Fatalf("daily cap of 1 must now reject")
	}
}

func TestActionKindsIndependentBudgets(t *testing.T) {
	t.Parallel()

	h := NewHuman(Config{
		MinGap: time.Nanosecond,
		Budgets: map[string]Budget{
			"post":  {PerHour: 3600, Burst: 100, DailyMax: 1},
			"reply": {PerHour: 3600, Burst: 100, DailyMax: 100},
		},
	})

	h.RecordAction("post")
	time.Sleep(time.Millisecond)
	if d := h.CheckRateLimit("post"); d.Allowed {
		t.Fatalf("post budget exhausted, must reject")
	}
	if d := h.CheckRateLimit("reply"); !d.Allowed {
		t.Fatalf("reply budget must be independent, wait=%v", d.Wait)
	}
}
