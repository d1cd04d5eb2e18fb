package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	rtsup "postdeck/internal/runtime/supervisor"
	logx "postdeck/pkg/logx"
)

const (
	keyReady   = "tweetq:ready"
	keyDelayed = "tweetq:delayed"
	keyDone    = "tweetq:done"
	keyMeta    = "tweetq:job:"

	fieldCompleted = "tweetq:completed"
	fieldFailed    = "tweetq:failed"

	// Settled jobs keep their payload key this long so re-enqueueing a
	// finished id stays a no-op, mirroring the in-memory done set.
	doneTTL = 24 * time.Hour
)

// redisBackend is the durable broker mode: ready list + delayed zset, job
// payloads as JSON under per-job keys (SetNX gives deterministic-id dedup).
// A single worker consumes with concurrency 1 under a platform-facing
// throughput cap independent of inbound rate limiting.
type redisBackend struct {
	client *redis.Client
	log    logx.Logger

	maxAttempts int
	retention   int64
	retryBase   time.Duration
	idleSleep   time.Duration

	limiter *rate.Limiter

	paused atomic.Bool
	active atomic.Int32

	mu       sync.Mutex
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}
}

type redisBackendConfig struct {
	maxAttempts      int
	retention        int
	actionsPerMinute int
	retryBase        time.Duration
}

func newRedisBackend(client *redis.Client, cfg redisBackendConfig, log logx.Logger) *redisBackend {
	if cfg.maxAttempts <= 0 {
		cfg.maxAttempts = 3
	}
	if cfg.retention <= 0 {
		cfg.retention = 200
	}
	if cfg.actionsPerMinute <= 0 {
		cfg.actionsPerMinute = 10
	}
	if cfg.retryBase <= 0 {
		cfg.retryBase = 5 * time.Second
	}
	return &redisBackend{
		client:      client,
		log:         log.With(logx.String("comp", "queue.redis")),
		maxAttempts: cfg.maxAttempts,
		retention:   int64(cfg.retention),
		retryBase:   cfg.retryBase,
		idleSleep:   time.Second,
		limiter:     rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.actionsPerMinute)), 1),
	}
}

func (b *redisBackend) Name() string { return "redis" }

func metaKey(id string) string { return keyMeta + id }

func (b *redisBackend) Enqueue(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return errors.New("job id is required")
	}
	buf, err := json.Marshal(job)
	if err != nil {
		return err
	}

	// SetNX is the dedup point: a job id that already has a payload is
	// queued, being retried, or recently finished, so the enqueue is a no-op.
	ok, err := b.client.SetNX(ctx, metaKey(job.ID), buf, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		b.log.Debug("duplicate job ignored", logx.String("job_id", job.ID))
		return nil
	}

	pipe := b.client.TxPipeline()
	if job.RunAt.After(time.Now()) {
		pipe.ZAdd(ctx, keyDelayed, redis.Z{Score: float64(job.RunAt.UnixMilli()), Member: job.ID})
	} else {
		pipe.RPush(ctx, keyReady, job.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (b *redisBackend) Remove(ctx context.Context, jobID string) error {
	pipe := b.client.TxPipeline()
	pipe.LRem(ctx, keyReady, 0, jobID)
	pipe.ZRem(ctx, keyDelayed, jobID)
	pipe.Del(ctx, metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

func (b *redisBackend) Pause()  { b.paused.Store(true) }
func (b *redisBackend) Resume() { b.paused.Store(false) }

func (b *redisBackend) Stats(ctx context.Context) (Stats, error) {
	pipe := b.client.Pipeline()
	ready := pipe.LLen(ctx, keyReady)
	delayed := pipe.ZCard(ctx, keyDelayed)
	completed := pipe.Get(ctx, fieldCompleted)
	failed := pipe.Get(ctx, fieldFailed)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, err
	}

	st := Stats{
		Backend: b.Name(),
		Waiting: int(ready.Val()),
		Delayed: int(delayed.Val()),
		Active:  int(b.active.Load()),
		Paused:  b.paused.Load(),
	}
	if n, err := completed.Int(); err == nil {
		st.Completed = n
	}
	if n, err := failed.Int(); err == nil {
		st.Failed = n
	}
	return st, nil
}

func (b *redisBackend) Start(ctx context.Context, process ProcessFunc) {
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

	sup.GoRestart("worker", func(c context.Context) error {
		b.loop(c, stopCh, process)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("worker exited unexpectedly")
	},
		rtsup.WithPublishFirstError(true),
	)

	b.log.Info("redis queue started",
		logx.Int("max_attempts", b.maxAttempts),
		logx.String("throughput", fmt.Sprintf("%.1f/min", float64(b.limiter.Limit())*60)),
	)
}

func (b *redisBackend) Stop(ctx context.Context) {
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
		b.log.Warn("redis queue stop timed out", logx.Any("err", ctx.Err()))
	}
}

func (b *redisBackend) loop(ctx context.Context, stopCh chan struct{}, process ProcessFunc) {
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if b.paused.Load() {
			sleep(ctx, stopCh, b.idleSleep)
			continue
		}

		if err := b.promoteDue(ctx); err != nil {
			b.log.Warn("promote due jobs", logx.Any("err", err))
			sleep(ctx, stopCh, b.idleSleep)
			continue
		}

		job, err := b.pop(ctx)
		if err != nil {
			b.log.Warn("pop job", logx.Any("err", err))
			sleep(ctx, stopCh, b.idleSleep)
			continue
		}
		if job == nil {
			sleep(ctx, stopCh, b.idleSleep)
			continue
		}

		// Platform-facing throughput cap.
		if err := b.limiter.Wait(ctx); err != nil {
			// Shutdown while waiting: push the job back untouched.
			_ = b.client.LPush(context.Background(), keyReady, job.ID).Err()
			return
		}

		b.active.Store(1)
		err = process(ctx, job)
		b.active.Store(0)
		b.settle(ctx, job, err)
	}
}

// promoteDue moves due delayed jobs onto the ready list.
func (b *redisBackend) promoteDue(ctx context.Context) error {
	ids, err := b.client.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", time.Now().UnixMilli()),
		Count: 100,
	}).Result()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	pipe := b.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, keyDelayed, id)
		pipe.RPush(ctx, keyReady, id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// pop takes one ready job id and loads its payload, bumping the attempt
// counter in place so a crash mid-attempt still counts it.
func (b *redisBackend) pop(ctx context.Context) (*Job, error) {
	id, err := b.client.LPop(ctx, keyReady).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	raw, err := b.client.Get(ctx, metaKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		// Payload gone (removed/cancelled): drop the orphan id.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		_ = b.client.Del(ctx, metaKey(id)).Err()
		return nil, fmt.Errorf("corrupt job payload %s: %w", id, err)
	}
	job.Attempts++
	buf, _ := json.Marshal(&job)
	if err := b.client.Set(ctx, metaKey(id), buf, 0).Err(); err != nil {
		return nil, err
	}
	return &job, nil
}

// settle finalizes one attempt: requeue with exponential backoff below the
// attempt cap, otherwise record the terminal outcome.
func (b *redisBackend) settle(ctx context.Context, job *Job, procErr error) {
	if procErr == nil {
		pipe := b.client.TxPipeline()
		pipe.Expire(ctx, metaKey(job.ID), doneTTL)
		pipe.Incr(ctx, fieldCompleted)
		pipe.LPush(ctx, keyDone, job.ID+":ok")
		pipe.LTrim(ctx, keyDone, 0, b.retention-1)
		if _, err := pipe.Exec(ctx); err != nil {
			b.log.Warn("record job completion", logx.String("job_id", job.ID), logx.Any("err", err))
		}
		return
	}

	if job.Attempts < b.maxAttempts {
		delay := b.retryBase
		for i := 1; i < job.Attempts; i++ {
			delay *= 2
		}
		if wait, ok := retryDelay(procErr); ok {
			delay = wait
		}
		runAt := time.Now().Add(delay)
		if err := b.client.ZAdd(ctx, keyDelayed, redis.Z{
			Score:  float64(runAt.UnixMilli()),
			Member: job.ID,
		}).Err(); err != nil {
			b.log.Warn("requeue job", logx.String("job_id", job.ID), logx.Any("err", err))
		}
		b.log.Warn("job failed, delayed retry",
			logx.String("job_id", job.ID),
			logx.Int("attempt", job.Attempts),
			logx.Duration("delay", delay),
			logx.Any("err", procErr),
		)
		return
	}

	pipe := b.client.TxPipeline()
	pipe.Expire(ctx, metaKey(job.ID), doneTTL)
	pipe.Incr(ctx, fieldFailed)
	pipe.LPush(ctx, keyDone, job.ID+":failed")
	pipe.LTrim(ctx, keyDone, 0, b.retention-1)
	if _, err := pipe.Exec(ctx); err != nil {
		b.log.Warn("record job failure", logx.String("job_id", job.ID), logx.Any("err", err))
	}
	b.log.Error("job failed permanently",
		logx.String("job_id", job.ID),
		logx.Int("attempts", job.Attempts),
		logx.Any("err", procErr),
	)
}

func sleep(ctx context.Context, stopCh chan struct{}, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-stopCh:
	case <-t.C:
	}
}
