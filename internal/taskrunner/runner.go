// Package taskrunner is a generic in-memory priority task processor with
// retry/backoff, decoupled from the delivery pipeline. It shares the delivery
// queue's retry philosophy but owns its own registry and tick loop.
package taskrunner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"postdeck/internal/eventbus"
	rtsup "postdeck/internal/runtime/supervisor"
	logx "postdeck/pkg/logx"
)

type Runner struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	handlers map[string]Handler
	tasks    map[string]*Task
	seq      uint64

	inFlight sync.WaitGroup

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	now func() time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Runner {
	if cfg.TickEvery <= 0 {
		cfg.TickEvery = 3 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 5 * time.Minute
	}
	return &Runner{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "taskrunner")),
		bus:      bus,
		handlers: make(map[string]Handler),
		tasks:    make(map[string]*Task),
		now:      time.Now,
	}
}

// Apply updates retry, concurrency and retention settings in place; they are
// read per tick, so changes take effect on the next one. TickEvery changes
// need a restart.
func (r *Runner) Apply(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg.MaxConcurrent > 0 {
		r.cfg.MaxConcurrent = cfg.MaxConcurrent
	}
	if cfg.RetryMax > 0 {
		r.cfg.RetryMax = cfg.RetryMax
	}
	if cfg.RetryBase > 0 {
		r.cfg.RetryBase = cfg.RetryBase
	}
	if cfg.Retention > 0 {
		r.cfg.Retention = cfg.Retention
	}
	r.cfg.Enabled = cfg.Enabled
}

// Running reports whether the tick loop is active.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopCh != nil
}

// RegisterHandler binds a task type to its handler. Re-registering replaces
// the previous handler; tasks already running keep the one they started with.
func (r *Runner) RegisterHandler(taskType string, h Handler) {
	if taskType == "" || h == nil {
		return
	}
	r.mu.Lock()
	r.handlers[taskType] = h
	r.mu.Unlock()
}

// AddTask registers a pending task and returns its id. The task becomes
// eligible once opt.NotBefore has elapsed (immediately when zero).
func (r *Runner) AddTask(taskType string, payload any, opt Options) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.handlers[taskType] == nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, taskType)
	}

	maxRetries := opt.MaxRetries
	if maxRetries <= 0 {
		maxRetries = r.cfg.RetryMax
	}

	r.seq++
	t := &Task{
		ID:         uuid.NewString(),
		Type:       taskType,
		Priority:   opt.Priority,
		Payload:    payload,
		Status:     StatusPending,
		MaxRetries: maxRetries,
		NotBefore:  opt.NotBefore,
		CreatedAt:  r.now(),
		seq:        r.seq,
	}
	r.tasks[t.ID] = t

	r.log.Debug("task added",
		logx.String("task_id", t.ID),
		logx.String("type", t.Type),
		logx.String("priority", t.Priority.String()),
	)
	r.publish("task.added", t)
	return t.ID, nil
}

// CancelTask cancels a task that has not started yet.
func (r *Runner) CancelTask(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.tasks[id]
	if t == nil {
		return ErrNotFound
	}
	if t.Status != StatusPending {
		return fmt.Errorf("%w: %s", ErrNotCancellable, t.Status)
	}
	t.Status = StatusCancelled
	t.FinishedAt = r.now()
	r.publish("task.cancelled", t)
	return nil
}

// GetTask returns a copy of the task, or ErrNotFound.
func (r *Runner) GetTask(id string) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tasks[id]
	if t == nil {
		return Task{}, ErrNotFound
	}
	return *t, nil
}

// Tasks returns copies of every tracked task, newest first.
func (r *Runner) Tasks() []Task {
	r.mu.Lock()
	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, *t)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq > out[j].seq })
	return out
}

// Status reports task counts by status.
func (r *Runner) Status() StatusCounts {
	r.mu.Lock()
	defer r.mu.Unlock()
	var c StatusCounts
	for _, t := range r.tasks {
		switch t.Status {
		case StatusPending:
			c.Pending++
		case StatusRunning:
			c.Running++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		case StatusCancelled:
			c.Cancelled++
		}
	}
	return c
}

// Start launches the tick loop. Idempotent.
func (r *Runner) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	if r.stopCh != nil {
		r.mu.Unlock()
		return
	}
	r.stopCh = make(chan struct{})
	r.stopDone = nil
	stopCh := r.stopCh
	tick := r.cfg.TickEvery

	r.sup = rtsup.New(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)
	sup := r.sup
	r.mu.Unlock()

	sup.GoRestart("tick", func(c context.Context) error {
		r.loop(c, stopCh, tick)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("tick loop exited unexpectedly")
	},
		rtsup.WithPublishFirstError(true),
	)

	r.log.Info("task runner started",
		logx.Duration("tick", tick),
		logx.Int("max_concurrent", r.cfg.MaxConcurrent),
	)
}

// Stop halts the tick loop and waits for in-flight handlers (bounded by ctx).
// Idempotent.
func (r *Runner) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	if r.stopCh == nil {
		r.mu.Unlock()
		return
	}
	if r.stopDone != nil {
		done := r.stopDone
		r.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	r.stopDone = done
	close(r.stopCh)
	sup := r.sup
	r.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		r.inFlight.Wait()
		r.mu.Lock()
		r.stopCh = nil
		r.stopDone = nil
		r.sup = nil
		r.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		r.log.Info("task runner stopped")
	case <-ctx.Done():
		r.log.Warn("task runner stop timed out", logx.Any("err", ctx.Err()))
	}
}

func (r *Runner) loop(ctx context.Context, stopCh chan struct{}, every time.Duration) {
	tk := time.NewTicker(every)
	defer tk.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-tk.C:
			r.tick(ctx)
		}
	}
}

// tick dispatches eligible pending tasks up to the concurrency budget,
// high priority first, FIFO within a priority.
func (r *Runner) tick(ctx context.Context) {
	now := r.now()

	r.mu.Lock()
	r.sweepLocked(now)

	budget := r.cfg.MaxConcurrent
	for _, t := range r.tasks {
		if t.Status == StatusRunning {
			budget--
		}
	}
	if budget <= 0 {
		r.mu.Unlock()
		return
	}

	eligible := make([]*Task, 0, budget)
	for _, t := range r.tasks {
		if t.Status != StatusPending {
			continue
		}
		if !t.NotBefore.IsZero() && now.Before(t.NotBefore) {
			continue
		}
		eligible = append(eligible, t)
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		return eligible[i].seq < eligible[j].seq
	})
	if len(eligible) > budget {
		eligible = eligible[:budget]
	}

	type dispatch struct {
		t *Task
		h Handler
	}
	batch := make([]dispatch, 0, len(eligible))
	for _, t := range eligible {
		h := r.handlers[t.Type]
		if h == nil {
			// Handler was unregistered after AddTask.
			t.Status = StatusFailed
			t.Err = ErrUnknownType.Error()
			t.FinishedAt = now
			continue
		}
		t.Status = StatusRunning
		t.StartedAt = now
		batch = append(batch, dispatch{t: t, h: h})
	}
	r.mu.Unlock()

	for _, d := range batch {
		d := d
		r.inFlight.Add(1)
		go func() {
			defer r.inFlight.Done()
			r.execute(ctx, d.t, d.h)
		}()
	}
}

func (r *Runner) execute(ctx context.Context, t *Task, h Handler) {
	result, err := r.invoke(ctx, t, h)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err == nil {
		t.Status = StatusCompleted
		t.Result = result
		t.Err = ""
		t.FinishedAt = now
		r.log.Debug("task completed", logx.String("task_id", t.ID), logx.String("type", t.Type))
		r.publish("task.completed", t)
		return
	}

	if IsNoRetry(err) {
		t.Status = StatusFailed
		t.Err = err.Error()
		t.FinishedAt = now
		r.log.Warn("task failed permanently",
			logx.String("task_id", t.ID),
			logx.String("type", t.Type),
			logx.Any("err", err),
		)
		r.publish("task.failed", t)
		return
	}

	t.Retries++
	if t.Retries <= t.MaxRetries {
		delay := r.backoff(t.Retries, err)
		t.Status = StatusPending
		t.NotBefore = now.Add(delay)
		t.Err = err.Error()
		r.log.Warn("task failed, retrying",
			logx.String("task_id", t.ID),
			logx.String("type", t.Type),
			logx.Int("retry", t.Retries),
			logx.Int("max_retries", t.MaxRetries),
			logx.Duration("backoff", delay),
			logx.Any("err", err),
		)
		r.publish("task.retry", t)
		return
	}

	t.Status = StatusFailed
	t.Err = err.Error()
	t.FinishedAt = now
	r.log.Warn("task failed permanently",
		logx.String("task_id", t.ID),
		logx.String("type", t.Type),
		logx.Int("retries", t.Retries-1),
		logx.Any("err", err),
	)
	r.publish("task.failed", t)
}

func (r *Runner) invoke(ctx context.Context, t *Task, h Handler) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panicked: %v", p)
		}
	}()
	// Handlers get a copy so they can't race the registry.
	cp := *t
	return h(ctx, &cp)
}

// backoff is RetryBase * 2^retry unless the error carries an explicit hint.
func (r *Runner) backoff(retry int, err error) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter()
	}
	d := r.cfg.RetryBase
	for i := 0; i < retry; i++ {
		d *= 2
	}
	return d
}

// sweepLocked drops finished tasks older than the retention window.
// Caller holds r.mu.
func (r *Runner) sweepLocked(now time.Time) {
	for id, t := range r.tasks {
		switch t.Status {
		case StatusCompleted, StatusFailed, StatusCancelled:
			if !t.FinishedAt.IsZero() && now.Sub(t.FinishedAt) >= r.cfg.Retention {
				delete(r.tasks, id)
			}
		}
	}
}

func (r *Runner) publish(eventType string, t *Task) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{
		Type: eventType,
		Data: map[string]any{
			"task_id":  t.ID,
			"type":     t.Type,
			"status":   string(t.Status),
			"retries":  t.Retries,
			"priority": t.Priority.String(),
		},
	})
}
