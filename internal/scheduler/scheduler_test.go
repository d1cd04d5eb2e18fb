package scheduler

import (
	"context"
	"testing"
	"time"

	"postdeck/internal/actor"
	"postdeck/internal/breaker"
	"postdeck/internal/eventbus"
	"postdeck/internal/pacing"
	"postdeck/internal/queue"
	"postdeck/internal/store"
	logx "postdeck/pkg/logx"
)

type stubActor struct{}

func (stubActor) PostContent(ctx context.Context, accountID, text string) (actor.Result, error) {
	return actor.Result{Success: true, ExternalID: "ext", URL: "https://x.com/s/1"}, nil
}

func (stubActor) PostReply(ctx context.Context, accountID, targetURL, text string) (actor.Result, error) {
	return actor.Result{Success: true, ExternalID: "ext", URL: "https://x.com/s/2"}, nil
}

type allowAll struct{}

func (allowAll) CheckRateLimit(string) pacing.Decision { return pacing.Decision{Allowed: true} }
func (allowAll) RecordAction(string)                   {}

func newFixture(t *testing.T) (*Scheduler, *store.Memory, *queue.Manager) {
	t.Helper()
	st := store.NewMemory()
	bus := eventbus.New()
	q := queue.NewManager(queue.Config{PollEvery: 10 * time.Millisecond}, queue.Deps{
		Store:    st,
		Actor:    stubActor{},
		Pacing:   allowAll{},
		Breakers: breaker.NewRegistry(breaker.Config{FailureThreshold: 100}, bus, logx.Nop()),
		Bus:      bus,
		Log:      logx.Nop(),
	})
	if err := q.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize queue: %v", err)
	}
	s, err := New(Config{Timezone: "UTC", DueCheckEvery: time.Minute}, Deps{
		Store: st,
		Queue: q,
		Bus:   bus,
		Log:   logx.Nop(),
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s, st, q
}

func queued(t *testing.T, q *queue.Manager) int {
	t.Helper()
	st, err := q.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	return st.Waiting + st.Delayed
}

func TestScheduleTweetRejectsPast(t *testing.T) {
	t.Parallel()
	s, st, q := newFixture(t)
	ctx := context.Background()

	res, err := s.ScheduleTweet(ctx, "acct", "hello", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OK || res.Reason == "" {
		t.Fatalf("want structured failure, got %+v", res)
	}
	up, err := st.Upcoming(ctx, "", 10)
	if err != nil {
		t.Fatalf("upcoming: %v", err)
	}
	if len(up) != 0 {
		t.Fatalf("no tweet should be stored, got %d", len(up))
	}
	if n := queued(t, q); n != 0 {
		t.Fatalf("no job should be queued, got %d", n)
	}
}

func TestScheduleTweetCreatesRecordAndJob(t *testing.T) {
	t.Parallel()
	s, st, q := newFixture(t)
	ctx := context.Background()
	when := time.Now().Add(time.Hour)

	res, err := s.ScheduleTweet(ctx, "acct", "hello", when)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if !res.OK || res.TweetID == "" || res.JobID == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	tw, err := st.GetTweet(ctx, res.TweetID)
	if err != nil {
		t.Fatalf("get tweet: %v", err)
	}
	if tw.Status != store.TweetScheduled {
		t.Fatalf("status = %s, want scheduled", tw.Status)
	}
	if !tw.ScheduledAt.Equal(when) {
		t.Fatalf("scheduled at %v, want %v", tw.ScheduledAt, when)
	}
	if n := queued(t, q); n != 1 {
		t.Fatalf("queued = %d, want 1", n)
	}
}

func TestScheduleThreadStaggersMembers(t *testing.T) {
	t.Parallel()
	s, st, q := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(time.Hour)
	interval := 2 * time.Minute

	res, err := s.ScheduleThread(ctx, "acct", []string{"one", "two", "three"}, base, interval)
	if err != nil {
		t.Fatalf("schedule thread: %v", err)
	}
	if !res.OK || res.ThreadID == "" || res.Count != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	for pos := 1; pos <= 3; pos++ {
		tw, err := st.ThreadMember(ctx, res.ThreadID, pos)
		if err != nil {
			t.Fatalf("member %d: %v", pos, err)
		}
		want := base.Add(time.Duration(pos-1) * interval)
		if !tw.ScheduledAt.Equal(want) {
			t.Fatalf("member %d at %v, want %v", pos, tw.ScheduledAt, want)
		}
	}
	if n := queued(t, q); n != 3 {
		t.Fatalf("queued = %d, want 3", n)
	}
}

func TestScheduleThreadRequiresTwoItems(t *testing.T) {
	t.Parallel()
	s, _, _ := newFixture(t)

	res, err := s.ScheduleThread(context.Background(), "acct", []string{"solo"}, time.Now().Add(time.Hour), time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OK || res.Reason == "" {
		t.Fatalf("want structured failure, got %+v", res)
	}
}

func TestCancelTweetRemovesJob(t *testing.T) {
	t.Parallel()
	s, st, q := newFixture(t)
	ctx := context.Background()

	res, err := s.ScheduleTweet(ctx, "acct", "hello", time.Now().Add(time.Hour))
	if err != nil || !res.OK {
		t.Fatalf("schedule: %v %+v", err, res)
	}
	if err := s.CancelTweet(ctx, res.TweetID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	tw, err := st.GetTweet(ctx, res.TweetID)
	if err != nil {
		t.Fatalf("get tweet: %v", err)
	}
	if tw.Status != store.TweetCancelled {
		t.Fatalf("status = %s, want cancelled", tw.Status)
	}
	if n := queued(t, q); n != 0 {
		t.Fatalf("queued = %d, want 0", n)
	}
}

func TestCancelThreadRemovesPendingJobs(t *testing.T) {
	t.Parallel()
	s, _, q := newFixture(t)
	ctx := context.Background()

	res, err := s.ScheduleThread(ctx, "acct", []string{"one", "two"}, time.Now().Add(time.Hour), time.Minute)
	if err != nil || !res.OK {
		t.Fatalf("schedule thread: %v %+v", err, res)
	}
	n, err := s.CancelThread(ctx, res.ThreadID)
	if err != nil {
		t.Fatalf("cancel thread: %v", err)
	}
	if n != 2 {
		t.Fatalf("cancelled = %d, want 2", n)
	}
	if q := queued(t, q); q != 0 {
		t.Fatalf("queued = %d, want 0", q)
	}
}

func TestRescheduleMovesJob(t *testing.T) {
	t.Parallel()
	s, st, q := newFixture(t)
	ctx := context.Background()

	res, err := s.ScheduleTweet(ctx, "acct", "hello", time.Now().Add(time.Hour))
	if err != nil || !res.OK {
		t.Fatalf("schedule: %v %+v", err, res)
	}
	later := time.Now().Add(3 * time.Hour)
	res2, err := s.RescheduleTweet(ctx, res.TweetID, later)
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if !res2.OK || res2.JobID == res.JobID {
		t.Fatalf("want a new job id, got %+v (old %s)", res2, res.JobID)
	}
	tw, err := st.GetTweet(ctx, res.TweetID)
	if err != nil {
		t.Fatalf("get tweet: %v", err)
	}
	if !tw.ScheduledAt.Equal(later) {
		t.Fatalf("scheduled at %v, want %v", tw.ScheduledAt, later)
	}
	if n := queued(t, q); n != 1 {
		t.Fatalf("queued = %d, want 1", n)
	}
}

func TestRescheduleRejectsPast(t *testing.T) {
	t.Parallel()
	s, _, _ := newFixture(t)
	ctx := context.Background()

	res, err := s.ScheduleTweet(ctx, "acct", "hello", time.Now().Add(time.Hour))
	if err != nil || !res.OK {
		t.Fatalf("schedule: %v %+v", err, res)
	}
	res2, err := s.RescheduleTweet(ctx, res.TweetID, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res2.OK || res2.Reason == "" {
		t.Fatalf("want structured failure, got %+v", res2)
	}
}

func TestDueCheckReenqueuesMissedSchedules(t *testing.T) {
	t.Parallel()
	s, st, q := newFixture(t)
	ctx := context.Background()

	// A schedule already past due with no queued job, as after a restart.
	past := time.Now().Add(-time.Minute)
	tw := &store.Tweet{ID: "missed-1", AccountID: "acct", Content: "late"}
	if err := st.CreateScheduled(ctx, tw, past); err != nil {
		t.Fatalf("create: %v", err)
	}

	s.dueCheck(ctx)
	if n := queued(t, q); n != 1 {
		t.Fatalf("queued = %d, want 1", n)
	}

	// Deterministic ids make a second sweep a no-op.
	s.dueCheck(ctx)
	if n := queued(t, q); n != 1 {
		t.Fatalf("queued after second sweep = %d, want 1", n)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()
	s, _, _ := newFixture(t)
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if !s.Status().Running {
		t.Fatal("status should report running")
	}
	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	s.Stop(stopCtx)
	s.Stop(stopCtx)
	if s.Status().Running {
		t.Fatal("status should report stopped")
	}
}
