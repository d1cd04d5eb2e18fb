package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	logx "postdeck/pkg/logx"
)

func newRedisFixture(t *testing.T) (*redisBackend, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	b := newRedisBackend(client, redisBackendConfig{
		maxAttempts: 3,
		retention:   10,
		retryBase:   100 * time.Millisecond,
	}, logx.Nop())
	return b, mr, client
}

func TestRedisEnqueueDedup(t *testing.T) {
	t.Parallel()

	b, _, client := newRedisFixture(t)
	ctx := context.Background()

	job := &Job{ID: "t1:100", Kind: KindPost, TweetID: "t1", Content: "x", RunAt: time.Now().Add(-time.Second)}
	if err := b.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := b.Enqueue(ctx, job); err != nil {
		t.Fatalf("duplicate Enqueue: %v", err)
	}

	n, err := client.LLen(ctx, keyReady).Result()
	if err != nil {
		t.Fatalf("LLen: %v", err)
	}
	if n != 1 {
		t.Fatalf("ready length = %d, want 1 (dedup)", n)
	}
}

func TestRedisFinishedJobStaysDone(t *testing.T) {
	t.Parallel()

	b, _, client := newRedisFixture(t)
	ctx := context.Background()

	job := &Job{ID: "t1:150", Kind: KindPost, TweetID: "t1", Content: "x", RunAt: time.Now().Add(-time.Second)}
	if err := b.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	popped, err := b.pop(ctx)
	if err != nil || popped == nil {
		t.Fatalf("pop = (%+v, %v)", popped, err)
	}
	b.settle(ctx, popped, nil)

	if ttl, _ := client.TTL(ctx, metaKey(job.ID)).Result(); ttl <= 0 {
		t.Fatalf("settled payload TTL = %v, want > 0", ttl)
	}

	// Re-enqueueing a finished id is a silent no-op.
	if err := b.Enqueue(ctx, job); err != nil {
		t.Fatalf("re-Enqueue: %v", err)
	}
	if n, _ := client.LLen(ctx, keyReady).Result(); n != 0 {
		t.Fatalf("ready after re-enqueue = %d, want 0", n)
	}
	if n, _ := client.ZCard(ctx, keyDelayed).Result(); n != 0 {
		t.Fatalf("delayed after re-enqueue = %d, want 0", n)
	}
}

func TestRedisDelayedPromotion(t *testing.T) {
	t.Parallel()

	b, _, client := newRedisFixture(t)
	ctx := context.Background()

	job := &Job{ID: "t1:200", Kind: KindPost, TweetID: "t1", RunAt: time.Now().Add(80 * time.Millisecond)}
	if err := b.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Not due yet: stays in the delayed zset.
	if err := b.promoteDue(ctx); err != nil {
		t.Fatalf("promoteDue: %v", err)
	}
	if n, _ := client.LLen(ctx, keyReady).Result(); n != 0 {
		t.Fatalf("premature promotion: ready = %d", n)
	}

	time.Sleep(120 * time.Millisecond)
	if err := b.promoteDue(ctx); err != nil {
		t.Fatalf("promoteDue: %v", err)
	}
	if n, _ := client.LLen(ctx, keyReady).Result(); n != 1 {
		t.Fatalf("ready after due = %d, want 1", n)
	}
	if n, _ := client.ZCard(ctx, keyDelayed).Result(); n != 0 {
		t.Fatalf("delayed after promotion = %d, want 0", n)
	}
}

func TestRedisPopBumpsAttempts(t *testing.T) {
	t.Parallel()

	b, _, _ := newRedisFixture(t)
	ctx := context.Background()

	if err := b.Enqueue(ctx, &Job{ID: "t1:300", Kind: KindPost, TweetID: "t1", RunAt: time.Now().Add(-time.Second)}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, err := b.pop(ctx)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if job == nil || job.Attempts != 1 {
		t.Fatalf("job = %+v, want attempts=1", job)
	}

	// Queue drained.
	job, err = b.pop(ctx)
	if err != nil || job != nil {
		t.Fatalf("pop on empty = (%+v, %v), want (nil, nil)", job, err)
	}
}

func TestRedisSettleRetryThenTerminal(t *testing.T) {
	t.Parallel()

	b, _, client := newRedisFixture(t)
	ctx := context.Background()
	cause := errors.New("boom")

	if err := b.Enqueue(ctx, &Job{ID: "t1:400", Kind: KindPost, TweetID: "t1", RunAt: time.Now().Add(-time.Second)}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, _ := b.pop(ctx)

	// First failure: delayed for retry, payload kept.
	b.settle(ctx, job, cause)
	if n, _ := client.ZCard(ctx, keyDelayed).Result(); n != 1 {
		t.Fatalf("delayed = %d, want 1 after transient failure", n)
	}
	if err := client.Get(ctx, metaKey(job.ID)).Err(); err != nil {
		t.Fatalf("payload must survive a retryable failure: %v", err)
	}

	// Final attempt: terminal, payload kept under the done TTL, counter bumped.
	job.Attempts = b.maxAttempts
	b.settle(ctx, job, cause)
	if ttl, _ := client.TTL(ctx, metaKey(job.ID)).Result(); ttl <= 0 {
		t.Fatalf("payload TTL after terminal failure = %v, want > 0", ttl)
	}
	st, err := b.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Failed != 1 {
		t.Fatalf("failed counter = %d, want 1", st.Failed)
	}
}

func TestRedisSettleHonorsRetryHint(t *testing.T) {
	t.Parallel()

	b, _, client := newRedisFixture(t)
	ctx := context.Background()

	if err := b.Enqueue(ctx, &Job{ID: "t1:500", Kind: KindPost, TweetID: "t1", RunAt: time.Now().Add(-time.Second)}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, _ := b.pop(ctx)

	b.settle(ctx, job, retryIn(errors.New("paced out"), time.Hour))

	score, err := client.ZScore(ctx, keyDelayed, job.ID).Result()
	if err != nil {
		t.Fatalf("ZScore: %v", err)
	}
	runAt := time.UnixMilli(int64(score))
	if runAt.Before(time.Now().Add(30 * time.Minute)) {
		t.Fatalf("hinted retry scheduled at %v, want ~1h out", runAt)
	}
}

func TestRedisRemoveDropsEverywhere(t *testing.T) {
	t.Parallel()

	b, _, client := newRedisFixture(t)
	ctx := context.Background()

	ready := &Job{ID: "r:1", Kind: KindPost, TweetID: "r", RunAt: time.Now().Add(-time.Second)}
	delayed := &Job{ID: "d:1", Kind: KindPost, TweetID: "d", RunAt: time.Now().Add(time.Hour)}
	if err := b.Enqueue(ctx, ready); err != nil {
		t.Fatalf("Enqueue ready: %v", err)
	}
	if err := b.Enqueue(ctx, delayed); err != nil {
		t.Fatalf("Enqueue delayed: %v", err)
	}

	if err := b.Remove(ctx, ready.ID); err != nil {
		t.Fatalf("Remove ready: %v", err)
	}
	if err := b.Remove(ctx, delayed.ID); err != nil {
		t.Fatalf("Remove delayed: %v", err)
	}

	if n, _ := client.LLen(ctx, keyReady).Result(); n != 0 {
		t.Fatalf("ready = %d, want 0", n)
	}
	if n, _ := client.ZCard(ctx, keyDelayed).Result(); n != 0 {
		t.Fatalf("delayed = %d, want 0", n)
	}
	if err := client.Get(ctx, metaKey(ready.ID)).Err(); !errors.Is(err, redis.Nil) {
		t.Fatalf("meta survived Remove: %v", err)
	}
}

func TestManagerPicksRedisWhenReachable(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	mgr := NewManager(Config{RedisAddr: mr.Addr()}, Deps{Log: logx.Nop()})
	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		mgr.Stop(ctx)
	})

	if got := mgr.BackendName(); got != "redis" {
		t.Fatalf("backend = %q, want redis", got)
	}
}

func TestManagerFallsBackWhenProbeFails(t *testing.T) {
	t.Parallel()

	// A closed miniredis yields a connection error at probe time.
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	addr := mr.Addr()
	mr.Close()

	mgr := NewManager(Config{RedisAddr: addr, ProbeTimeout: 200 * time.Millisecond}, Deps{Log: logx.Nop()})
	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := mgr.BackendName(); got != "memory" {
		t.Fatalf("backend = %q, want memory", got)
	}
}
