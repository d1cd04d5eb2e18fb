// Package scheduler turns "deliver at time T" requests into queue jobs. It is
// a thin orchestration layer over the store and the queue manager, plus a
// periodic due-check that re-enqueues schedules the queue somehow missed
// (process restarts, dropped jobs). The due-check is safe to overlap with
// normal operation because job ids are deterministic.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"postdeck/internal/eventbus"
	"postdeck/internal/queue"
	"postdeck/internal/store"
	logx "postdeck/pkg/logx"
)

type Config struct {
	Enabled bool
	// Timezone is an IANA zone name; empty means the host's local zone.
	Timezone string
	// DueCheckEvery is the sweep interval for missed schedules. Default 1m.
	DueCheckEvery time.Duration
	// DefaultThreadInterval is used when ScheduleThread gets no interval.
	DefaultThreadInterval time.Duration
}

type Deps struct {
	Store store.Store
	Queue *queue.Manager
	Bus   eventbus.Bus
	Log   logx.Logger
}

// Result is the structured outcome of a scheduling request. Validation
// problems (past time, thread too short) land in Reason instead of an error:
// they are expected caller mistakes, not pipeline failures.
type Result struct {
	OK       bool   `json:"ok"`
	Reason   string `json:"reason,omitempty"`
	TweetID  string `json:"tweet_id,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
	JobID    string `json:"job_id,omitempty"`
	Count    int    `json:"count,omitempty"`
}

func failure(reason string) Result { return Result{Reason: reason} }

type Snapshot struct {
	Running       bool   `json:"running"`
	Timezone      string `json:"timezone"`
	DueCheckEvery string `json:"due_check_every"`
}

type Scheduler struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	loc  *time.Location

	mu sync.Mutex
	c  *cron.Cron

	now func() time.Time
}

func New(cfg Config, deps Deps) (*Scheduler, error) {
	if cfg.DueCheckEvery <= 0 {
		cfg.DueCheckEvery = time.Minute
	}
	if cfg.DefaultThreadInterval <= 0 {
		cfg.DefaultThreadInterval = 5 * time.Minute
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("scheduler timezone: %w", err)
		}
		loc = l
	}
	return &Scheduler{
		cfg:  cfg,
		deps: deps,
		log:  deps.Log.With(logx.String("comp", "scheduler")),
		loc:  loc,
		now:  time.Now,
	}, nil
}

// ScheduleTweet creates the content+schedule records and a delayed queue job.
// A time in the past is a structured failure, never silently accepted.
func (s *Scheduler) ScheduleTweet(ctx context.Context, accountID, content string, when time.Time) (Result, error) {
	if strings.TrimSpace(content) == "" {
		return failure("content is empty"), nil
	}
	now := s.now()
	if !when.After(now) {
		return failure("scheduled time is in the past"), nil
	}

	tw := &store.Tweet{ID: uuid.NewString(), AccountID: accountID, Content: content}
	if err := s.deps.Store.CreateScheduled(ctx, tw, when); err != nil {
		return Result{}, fmt.Errorf("create scheduled tweet: %w", err)
	}
	jobID, err := s.deps.Queue.AddJob(ctx, queue.Job{
		Kind:      queue.KindPost,
		TweetID:   tw.ID,
		AccountID: accountID,
		Content:   content,
		RunAt:     when,
	}, 0)
	if err != nil {
		return Result{}, fmt.Errorf("enqueue tweet %s: %w", tw.ID, err)
	}

	s.publish("tweet.scheduled", map[string]any{"tweet_id": tw.ID, "account_id": accountID, "run_at": when})
	s.log.Info("tweet scheduled",
		logx.String("tweet_id", tw.ID),
		logx.String("account_id", accountID),
		logx.Time("run_at", when),
	)
	return Result{OK: true, TweetID: tw.ID, JobID: jobID}, nil
}

// ScheduleReply is ScheduleTweet for a reply to an existing platform post.
func (s *Scheduler) ScheduleReply(ctx context.Context, accountID, content, targetURL string, when time.Time) (Result, error) {
	if strings.TrimSpace(content) == "" {
		return failure("content is empty"), nil
	}
	if strings.TrimSpace(targetURL) == "" {
		return failure("reply target url is empty"), nil
	}
	if !when.After(s.now()) {
		return failure("scheduled time is in the past"), nil
	}

	tw := &store.Tweet{ID: uuid.NewString(), AccountID: accountID, Content: content, ReplyToURL: targetURL}
	if err := s.deps.Store.CreateScheduled(ctx, tw, when); err != nil {
		return Result{}, fmt.Errorf("create scheduled reply: %w", err)
	}
	jobID, err := s.deps.Queue.AddJob(ctx, queue.Job{
		Kind:       queue.KindReply,
		TweetID:    tw.ID,
		AccountID:  accountID,
		Content:    content,
		ReplyToURL: targetURL,
		RunAt:      when,
	}, 0)
	if err != nil {
		return Result{}, fmt.Errorf("enqueue reply %s: %w", tw.ID, err)
	}
	return Result{OK: true, TweetID: tw.ID, JobID: jobID}, nil
}

// ScheduleThread schedules contents as a reply chain: member N+1 replies to
// member N. Members are staggered by interval from the base time, position 1
// at offset zero.
func (s *Scheduler) ScheduleThread(ctx context.Context, accountID string, contents []string, when time.Time, interval time.Duration) (Result, error) {
	if len(contents) < 2 {
		return failure("a thread needs at least 2 items"), nil
	}
	if !when.After(s.now()) {
		return failure("scheduled time is in the past"), nil
	}
	if interval <= 0 {
		interval = s.cfg.DefaultThreadInterval
	}

	threadID := uuid.NewString()
	members := make([]queue.Job, 0, len(contents))
	for i, content := range contents {
		pos := i + 1
		runAt := when.Add(time.Duration(i) * interval)
		tw := &store.Tweet{
			ID:        uuid.NewString(),
			AccountID: accountID,
			Content:   content,
			ThreadID:  threadID,
			ThreadPos: pos,
		}
		if err := s.deps.Store.CreateScheduled(ctx, tw, runAt); err != nil {
			return Result{}, fmt.Errorf("create thread member %d: %w", pos, err)
		}
		members = append(members, queue.Job{
			TweetID:   tw.ID,
			AccountID: accountID,
			Content:   content,
			ThreadID:  threadID,
			ThreadPos: pos,
			RunAt:     runAt,
		})
	}
	if _, err := s.deps.Queue.AddThread(ctx, members); err != nil {
		return Result{}, err
	}

	s.publish("thread.scheduled", map[string]any{
		"thread_id":  threadID,
		"account_id": accountID,
		"count":      len(contents),
		"run_at":     when,
	})
	s.log.Info("thread scheduled",
		logx.String("thread_id", threadID),
		logx.Int("count", len(contents)),
		logx.Duration("interval", interval),
	)
	return Result{OK: true, ThreadID: threadID, Count: len(contents)}, nil
}

// CancelTweet cancels the store records and best-effort removes the queued
// job. A job already dispatched to the actor cannot be recalled.
func (s *Scheduler) CancelTweet(ctx context.Context, tweetID string) error {
	tw, err := s.deps.Store.GetTweet(ctx, tweetID)
	if err != nil {
		return err
	}
	if err := s.deps.Store.CancelTweet(ctx, tweetID); err != nil {
		return err
	}
	if err := s.deps.Queue.RemoveJob(ctx, queue.JobID(tweetID, tw.ScheduledAt)); err != nil {
		s.log.Warn("remove queued job", logx.String("tweet_id", tweetID), logx.Any("err", err))
	}
	s.publish("tweet.cancelled", map[string]any{"tweet_id": tweetID})
	return nil
}

// CancelThread cancels every still-scheduled member; already-delivered
// members are untouched. Returns how many were cancelled.
func (s *Scheduler) CancelThread(ctx context.Context, threadID string) (int, error) {
	// Collect job ids before the statuses flip.
	type pendingJob struct{ id string }
	var jobs []pendingJob
	for pos := 1; ; pos++ {
		tw, err := s.deps.Store.ThreadMember(ctx, threadID, pos)
		if err != nil {
			break
		}
		if tw.Status == store.TweetScheduled {
			jobs = append(jobs, pendingJob{id: queue.JobID(tw.ID, tw.ScheduledAt)})
		}
	}

	n, err := s.deps.Store.CancelThread(ctx, threadID)
	if err != nil {
		return 0, err
	}
	for _, j := range jobs {
		if err := s.deps.Queue.RemoveJob(ctx, j.id); err != nil {
			s.log.Warn("remove queued thread job", logx.String("job_id", j.id), logx.Any("err", err))
		}
	}
	s.publish("thread.cancelled", map[string]any{"thread_id": threadID, "count": n})
	return n, nil
}

// RescheduleTweet moves a scheduled (or transiently failed) tweet to a new
// time, re-deriving the queue job.
func (s *Scheduler) RescheduleTweet(ctx context.Context, tweetID string, when time.Time) (Result, error) {
	if !when.After(s.now()) {
		return failure("scheduled time is in the past"), nil
	}
	tw, err := s.deps.Store.GetTweet(ctx, tweetID)
	if err != nil {
		return Result{}, err
	}
	if err := s.deps.Store.Reschedule(ctx, tweetID, when); err != nil {
		return Result{}, err
	}
	if err := s.deps.Queue.RemoveJob(ctx, queue.JobID(tweetID, tw.ScheduledAt)); err != nil {
		s.log.Warn("remove stale job", logx.String("tweet_id", tweetID), logx.Any("err", err))
	}
	jobID, err := s.deps.Queue.AddJob(ctx, queue.Job{
		Kind:       jobKind(tw),
		TweetID:    tw.ID,
		AccountID:  tw.AccountID,
		Content:    tw.Content,
		ReplyToURL: tw.ReplyToURL,
		ThreadID:   tw.ThreadID,
		ThreadPos:  tw.ThreadPos,
		RunAt:      when,
	}, 0)
	if err != nil {
		return Result{}, fmt.Errorf("enqueue rescheduled tweet %s: %w", tweetID, err)
	}
	s.publish("tweet.rescheduled", map[string]any{"tweet_id": tweetID, "run_at": when})
	return Result{OK: true, TweetID: tweetID, JobID: jobID}, nil
}

// Upcoming lists pending deliveries ordered by time. Empty accountID means
// all accounts.
func (s *Scheduler) Upcoming(ctx context.Context, accountID string, limit int) ([]*store.Tweet, error) {
	return s.deps.Store.Upcoming(ctx, accountID, limit)
}

// Start launches the periodic due-check. Idempotent.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	c := cron.New(cron.WithLocation(s.loc))
	spec := fmt.Sprintf("@every %s", s.cfg.DueCheckEvery)
	if _, err := c.AddFunc(spec, func() { s.dueCheck(ctx) }); err != nil {
		return fmt.Errorf("register due-check: %w", err)
	}
	c.Start()
	s.c = c
	s.log.Info("scheduler started",
		logx.String("tz", s.loc.String()),
		logx.Duration("due_check_every", s.cfg.DueCheckEvery),
	)
	return nil
}

// Stop halts the due-check, waiting for a sweep in flight. Idempotent.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Any("err", ctx.Err()))
	}
}

func (s *Scheduler) Status() Snapshot {
	s.mu.Lock()
	running := s.c != nil
	s.mu.Unlock()
	return Snapshot{
		Running:       running,
		Timezone:      s.loc.String(),
		DueCheckEvery: s.cfg.DueCheckEvery.String(),
	}
}

// dueCheck re-enqueues pending schedules whose run time has passed. This is
// belt-and-suspenders on top of the queue's own timers: after a crash or a
// dropped job the deterministic job id makes re-adding a safe no-op.
func (s *Scheduler) dueCheck(ctx context.Context) {
	now := s.now()
	due, err := s.deps.Store.DueSchedules(ctx, now, 50)
	if err != nil {
		s.log.Warn("due-check query", logx.Any("err", err))
		return
	}
	for _, sc := range due {
		tw, err := s.deps.Store.GetTweet(ctx, sc.TweetID)
		if err != nil {
			s.log.Warn("due-check tweet lookup", logx.String("tweet_id", sc.TweetID), logx.Any("err", err))
			continue
		}
		if tw.Status != store.TweetScheduled && tw.Status != store.TweetFailed {
			continue
		}
		if _, err := s.deps.Queue.AddJob(ctx, queue.Job{
			Kind:       jobKind(tw),
			TweetID:    tw.ID,
			AccountID:  tw.AccountID,
			Content:    tw.Content,
			ReplyToURL: tw.ReplyToURL,
			ThreadID:   tw.ThreadID,
			ThreadPos:  tw.ThreadPos,
			RunAt:      sc.RunAt,
		}, 0); err != nil {
			s.log.Warn("due-check enqueue", logx.String("tweet_id", tw.ID), logx.Any("err", err))
		}
	}
	if len(due) > 0 {
		s.log.Debug("due-check swept", logx.Int("due", len(due)))
	}
}

func jobKind(tw *store.Tweet) queue.Kind {
	switch {
	case tw.ThreadID != "":
		return queue.KindThread
	case tw.ReplyToURL != "":
		return queue.KindReply
	default:
		return queue.KindPost
	}
}

func (s *Scheduler) publish(eventType string, data map[string]any) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(eventbus.Event{Type: eventType, Data: data})
}
