// Package alerts watches the event bus for incidents an operator should hear
// about (permanent delivery failures, tripped breakers) and pushes them out
// through a Sender. Alerting is best-effort: a full queue or a failing sender
// never blocks the delivery pipeline.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"postdeck/internal/eventbus"
	rtsup "postdeck/internal/runtime/supervisor"
	logx "postdeck/pkg/logx"
)

var (
	ErrDisabled  = errors.New("alerts disabled")
	ErrQueueFull = errors.New("alerts queue full")
	ErrStopped   = errors.New("alerts stopped")
)

// Sender delivers a single alert message out of process.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type Config struct {
	Enabled bool
	// QueueSize bounds how many alerts may wait for the worker. Default 128.
	QueueSize int
	// RatePerMin caps outbound sends. Default 20.
	RatePerMin int
	// DedupWindow suppresses repeats of the same alert. Default 10m; negative
	// disables dedup.
	DedupWindow time.Duration
	RetryMax    int
	RetryBase   time.Duration
	// EventTypes selects which bus events raise an alert. Defaults to
	// tweet.failed_permanent and breaker.open.
	EventTypes []string
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.RatePerMin <= 0 {
		c.RatePerMin = 20
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = 10 * time.Minute
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if len(c.EventTypes) == 0 {
		c.EventTypes = []string{"tweet.failed_permanent", "breaker.open"}
	}
	return c
}

// Service is a single-worker alert pipeline: bus subscription, bounded queue,
// rate limit, dedup window, retry. Safe for concurrent use.
type Service struct {
	mu sync.Mutex

	cfg     Config
	sender  Sender
	bus     eventbus.Bus
	log     logx.Logger
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan string
	unsub     func()
	sup       *rtsup.Supervisor
	stopDone  chan struct{}

	dmu   sync.Mutex
	dedup map[string]time.Time

	sent    int
	dropped int
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		sender:  sender,
		bus:     bus,
		log:     log.With(logx.String("comp", "alerts")),
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMin)), 3),
		dedup:   map[string]time.Time{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start subscribes to the bus and launches the worker. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan string, s.cfg.QueueSize)
	s.accepting = true
	q := s.queue

	var events <-chan eventbus.Event
	if s.bus != nil {
		events, s.unsub = s.bus.Subscribe(s.cfg.QueueSize)
	}

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	if events != nil {
		ev := events
		sup.GoRestart("watch", func(c context.Context) error {
			s.watchLoop(c, ev)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("alert watch loop exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	sup.GoRestart("send", func(c context.Context) error {
		s.sendLoop(c, q)
		s.mu.Lock()
		stopping := s.stopDone != nil
		s.mu.Unlock()
		if stopping {
			return context.Canceled
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("alert send loop exited unexpectedly")
	}, rtsup.WithPublishFirstError(true))
}

// Stop stops intake and drains queued alerts best-effort until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	q := s.queue
	sup := s.sup
	unsub := s.unsub
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		if unsub != nil {
			unsub()
		}
		// Wait out in-flight Raise calls before closing the queue.
		s.sendWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.queue = nil
		s.unsub = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Raise enqueues an ad-hoc alert, subject to the same dedup and queue bounds
// as bus-driven ones.
func (s *Service) Raise(text string) error {
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window := s.cfg.DedupWindow
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if window > 0 && !s.dedupAllow(text, window) {
		return nil
	}
	select {
	case q <- text:
		return nil
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		return ErrQueueFull
	}
}

// Counts reports sent and dropped alert totals.
func (s *Service) Counts() (sent, dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.dropped
}

func (s *Service) watchLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if text := s.format(ev); text != "" {
				if err := s.Raise(text); err != nil && !errors.Is(err, ErrStopped) {
					s.log.Debug("alert dropped", logx.String("type", ev.Type), logx.Any("err", err))
				}
			}
		}
	}
}

func (s *Service) format(ev eventbus.Event) string {
	s.mu.Lock()
	types := s.cfg.EventTypes
	s.mu.Unlock()

	matched := false
	for _, t := range types {
		if ev.Type == t {
			matched = true
			break
		}
	}
	if !matched {
		return ""
	}

	switch ev.Type {
	case "tweet.failed_permanent":
		d, _ := ev.Data.(map[string]any)
		return fmt.Sprintf("🚨 delivery failed permanently: tweet=%v account=%v cause=%v",
			d["tweet_id"], d["account_id"], d["error"])
	case "breaker.open":
		d, _ := ev.Data.(map[string]any)
		return fmt.Sprintf("⚠️ circuit breaker %v opened (was %v)", d["name"], d["from"])
	default:
		return fmt.Sprintf("event %s: %v", ev.Type, ev.Data)
	}
}

func (s *Service) sendLoop(ctx context.Context, q <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, text)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, text string) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()
	if sender == nil {
		return
	}

	attempts := 1 + cfg.RetryMax
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := sender.Send(cctx, text)
		cancel()
		if err == nil {
			s.mu.Lock()
			s.sent++
			s.mu.Unlock()
			return
		}
		s.log.Debug("alert send failed",
			logx.Int("attempt", attempt),
			logx.Int("max", attempts),
			logx.Any("err", err),
		)
		if attempt >= attempts {
			return
		}
		delay := cfg.RetryBase << (attempt - 1)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}
}

func (s *Service) dedupAllow(text string, window time.Duration) bool {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	key := fmt.Sprintf("%x", h.Sum64())

	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}
