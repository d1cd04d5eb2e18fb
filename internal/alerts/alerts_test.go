package alerts

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"postdeck/internal/eventbus"
	logx "postdeck/pkg/logx"
)

type captureSender struct {
	mu    sync.Mutex
	texts []string
	fail  int
}

func (c *captureSender) Send(ctx context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail > 0 {
		c.fail--
		return errors.New("send failed")
	}
	c.texts = append(c.texts, text)
	return nil
}

func (c *captureSender) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func newService(t *testing.T, cfg Config, sender Sender, bus eventbus.Bus) *Service {
	t.Helper()
	cfg.Enabled = true
	if cfg.RatePerMin == 0 {
		cfg.RatePerMin = 6000
	}
	s := New(cfg, sender, bus, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestPermanentFailureRaisesAlert(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	sender := &captureSender{}
	newService(t, Config{}, sender, bus)

	bus.Publish(eventbus.Event{
		Type: "tweet.failed_permanent",
		Data: map[string]any{"tweet_id": "tw-1", "account_id": "acct", "error": "boom"},
	})

	waitFor(t, time.Second, func() bool { return len(sender.sent()) == 1 })
	got := sender.sent()[0]
	if !strings.Contains(got, "tw-1") || !strings.Contains(got, "boom") {
		t.Fatalf("alert text missing detail: %q", got)
	}
}

func TestBreakerOpenRaisesAlert(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	sender := &captureSender{}
	newService(t, Config{}, sender, bus)

	bus.Publish(eventbus.Event{
		Type: "breaker.open",
		Data: map[string]any{"name": "browser-actor", "from": "closed"},
	})

	waitFor(t, time.Second, func() bool { return len(sender.sent()) == 1 })
	if got := sender.sent()[0]; !strings.Contains(got, "browser-actor") {
		t.Fatalf("alert text missing breaker name: %q", got)
	}
}

func TestUnwatchedEventsAreIgnored(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	sender := &captureSender{}
	s := newService(t, Config{}, sender, bus)

	bus.Publish(eventbus.Event{Type: "tweet.posted", Data: map[string]any{"tweet_id": "tw-1"}})
	if err := s.Raise("manual check"); err != nil {
		t.Fatalf("raise: %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(sender.sent()) == 1 })
	if got := sender.sent()[0]; got != "manual check" {
		t.Fatalf("unexpected alert %q", got)
	}
}

func TestDedupSuppressesRepeats(t *testing.T) {
	t.Parallel()
	sender := &captureSender{}
	s := newService(t, Config{DedupWindow: time.Hour}, sender, nil)

	for i := 0; i < 5; i++ {
		if err := s.Raise("same alert"); err != nil {
			t.Fatalf("raise %d: %v", i, err)
		}
	}
	waitFor(t, time.Second, func() bool { return len(sender.sent()) == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := len(sender.sent()); n != 1 {
		t.Fatalf("sent = %d, want 1", n)
	}
}

func TestRetryEventuallyDelivers(t *testing.T) {
	t.Parallel()
	sender := &captureSender{fail: 2}
	s := newService(t, Config{RetryMax: 3, RetryBase: 5 * time.Millisecond, DedupWindow: -1}, sender, nil)

	if err := s.Raise("flaky path"); err != nil {
		t.Fatalf("raise: %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(sender.sent()) == 1 })
	if sent, _ := s.Counts(); sent != 1 {
		t.Fatalf("sent count = %d, want 1", sent)
	}
}

func TestRaiseWhenDisabled(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &captureSender{}, nil, logx.Nop())
	if err := s.Raise("nope"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestStopDrainsQueue(t *testing.T) {
	t.Parallel()
	sender := &captureSender{}
	s := newService(t, Config{DedupWindow: -1}, sender, nil)

	for i := 0; i < 3; i++ {
		if err := s.Raise(strings.Repeat("x", i+1)); err != nil {
			t.Fatalf("raise %d: %v", i, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	if n := len(sender.sent()); n != 3 {
		t.Fatalf("sent = %d, want 3", n)
	}
	if err := s.Raise("late"); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}
