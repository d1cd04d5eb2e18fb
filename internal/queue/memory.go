package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	rtsup "postdeck/internal/runtime/supervisor"
	logx "postdeck/pkg/logx"
)

// memoryBackend is the fallback when no broker is reachable: an ordered list
// polled on a fixed interval, one job per tick. Failed jobs are requeued to
// the end of the list up to the attempt cap; the poll interval provides the
// retry spacing unless the failure carries an explicit wait.
type memoryBackend struct {
	mu      sync.Mutex
	pending []*Job
	// doneIDs remembers finished job ids for dedup, bounded by retention.
	doneIDs   map[string]struct{}
	doneOrder []string

	completed int
	failed    int
	active    int

	poll        time.Duration
	maxAttempts int
	retention   int

	paused atomic.Bool

	log logx.Logger

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}
}

func newMemoryBackend(poll time.Duration, maxAttempts, retention int, log logx.Logger) *memoryBackend {
	if poll <= 0 {
		poll = 5 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if retention <= 0 {
		retention = 200
	}
	return &memoryBackend{
		doneIDs:     make(map[string]struct{}),
		poll:        poll,
		maxAttempts: maxAttempts,
		retention:   retention,
		log:         log.With(logx.String("comp", "queue.memory")),
	}
}

func (b *memoryBackend) Name() string { return "memory" }

func (b *memoryBackend) Enqueue(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return errors.New("job id is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, done := b.doneIDs[job.ID]; done {
		b.log.Debug("duplicate job ignored (finished)", logx.String("job_id", job.ID))
		return nil
	}
	for _, j := range b.pending {
		if j.ID == job.ID {
			b.log.Debug("duplicate job ignored (queued)", logx.String("job_id", job.ID))
			return nil
		}
	}
	cp := *job
	b.pending = append(b.pending, &cp)
	return nil
}

func (b *memoryBackend) Remove(ctx context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, j := range b.pending {
		if j.ID == jobID {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			return nil
		}
	}
	return nil
}

func (b *memoryBackend) Pause()  { b.paused.Store(true) }
func (b *memoryBackend) Resume() { b.paused.Store(false) }

func (b *memoryBackend) Stats(ctx context.Context) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	st := Stats{
		Backend:   b.Name(),
		Active:    b.active,
		Completed: b.completed,
		Failed:    b.failed,
		Paused:    b.paused.Load(),
	}
	for _, j := range b.pending {
		if j.RunAt.After(now) {
			st.Delayed++
		} else {
			st.Waiting++
		}
	}
	return st, nil
}

func (b *memoryBackend) Start(ctx context.Context, process ProcessFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.Lock()
	if b.stopCh != nil {
		b.mu.Unlock()
		return
	}
	b.stopCh = make(chan struct{})
	b.stopDone = nil
	stopCh := b.stopCh
	b.sup = rtsup.New(ctx,
		rtsup.WithLogger(b.log),
		rtsup.WithCancelOnError(false),
	)
	sup := b.sup
	b.mu.Unlock()

	sup.GoRestart("poll", func(c context.Context) error {
		b.loop(c, stopCh, process)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("poll loop exited unexpectedly")
	},
		rtsup.WithPublishFirstError(true),
	)

	b.log.Info("in-memory queue started", logx.Duration("poll", b.poll))
}

func (b *memoryBackend) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.Lock()
	if b.stopCh == nil {
		b.mu.Unlock()
		return
	}
	if b.stopDone != nil {
		done := b.stopDone
		b.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	b.stopDone = done
	close(b.stopCh)
	sup := b.sup
	b.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}
	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		b.mu.Lock()
		b.stopCh = nil
		b.stopDone = nil
		b.sup = nil
		b.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.log.Warn("in-memory queue stop timed out", logx.Any("err", ctx.Err()))
	}
}

func (b *memoryBackend) loop(ctx context.Context, stopCh chan struct{}, process ProcessFunc) {
	tk := time.NewTicker(b.poll)
	defer tk.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-tk.C:
			if b.paused.Load() {
				continue
			}
			b.tick(ctx, process)
		}
	}
}

// tick pops the first due job and runs it. One job per tick keeps
// platform-facing actions serialized.
func (b *memoryBackend) tick(ctx context.Context, process ProcessFunc) {
	now := time.Now()

	b.mu.Lock()
	var job *Job
	for i, j := range b.pending {
		if !j.RunAt.After(now) {
			job = j
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			break
		}
	}
	if job == nil {
		b.mu.Unlock()
		return
	}
	job.Attempts++
	b.active = 1
	b.mu.Unlock()

	err := process(ctx, job)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = 0

	if err == nil {
		b.completed++
		b.finishLocked(job.ID)
		return
	}

	if job.Attempts < b.maxAttempts {
		// Requeue to the end of the list; the next poll tick retries unless
		// the failure names its own wait.
		job.RunAt = time.Now()
		if wait, ok := retryDelay(err); ok {
			job.RunAt = job.RunAt.Add(wait)
		}
		b.pending = append(b.pending, job)
		b.log.Warn("job failed, requeued",
			logx.String("job_id", job.ID),
			logx.Int("attempt", job.Attempts),
			logx.Any("err", err),
		)
		return
	}

	b.failed++
	b.finishLocked(job.ID)
	b.log.Error("job failed permanently",
		logx.String("job_id", job.ID),
		logx.Int("attempts", job.Attempts),
		logx.Any("err", err),
	)
}

// finishLocked records a finished id for dedup, bounded by retention.
// Caller holds b.mu.
func (b *memoryBackend) finishLocked(id string) {
	if _, ok := b.doneIDs[id]; ok {
		return
	}
	b.doneIDs[id] = struct{}{}
	b.doneOrder = append(b.doneOrder, id)
	for len(b.doneOrder) > b.retention {
		old := b.doneOrder[0]
		b.doneOrder = b.doneOrder[1:]
		delete(b.doneIDs, old)
	}
}
