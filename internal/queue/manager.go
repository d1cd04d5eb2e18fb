// Package queue executes delivery jobs reliably: one platform action at a
// time, paced like a human, against whichever backend is available. A redis
// broker is probed once at initialization; when unreachable the manager falls
// back to the in-memory backend with identical external behavior.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"postdeck/internal/actor"
	"postdeck/internal/breaker"
	"postdeck/internal/eventbus"
	"postdeck/internal/pacing"
	"postdeck/internal/store"
	logx "postdeck/pkg/logx"
)

// BreakerActor is the breaker name guarding browser-automation calls.
const BreakerActor = "browser-actor"

type Config struct {
	// RedisAddr enables broker mode when set and reachable.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ProbeTimeout  time.Duration

	PollEvery        time.Duration
	MaxAttempts      int
	ActionsPerMinute int
	DoneRetention    int

	// RetryBase is the broker-mode backoff base. Mainly for tests.
	RetryBase time.Duration
}

// Deps are the manager's collaborators, injected at construction.
type Deps struct {
	Store    store.Store
	Actor    actor.Actor
	Pacing   pacing.Policy
	Breakers *breaker.Registry
	Bus      eventbus.Bus
	Log      logx.Logger
}

type Manager struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	backend Backend
	client  *redis.Client
}

func NewManager(cfg Config, deps Deps) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	return &Manager{
		cfg:  cfg,
		deps: deps,
		log:  deps.Log.With(logx.String("comp", "queue")),
	}
}

// Initialize probes the broker once and picks the backend. The choice is
// fixed for the life of the process; a broker that comes up later is only
// used after a restart.
func (m *Manager) Initialize(ctx context.Context) error {
	if m.backend != nil {
		return nil
	}

	if m.cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     m.cfg.RedisAddr,
			Password: m.cfg.RedisPassword,
			DB:       m.cfg.RedisDB,
		})
		pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		err := client.Ping(pctx).Err()
		cancel()
		if err == nil {
			m.client = client
			m.backend = newRedisBackend(client, redisBackendConfig{
				maxAttempts:      m.cfg.MaxAttempts,
				retention:        m.cfg.DoneRetention,
				actionsPerMinute: m.cfg.ActionsPerMinute,
				retryBase:        m.cfg.RetryBase,
			}, m.log)
			m.log.Info("queue backend selected",
				logx.String("backend", "redis"),
				logx.String("addr", m.cfg.RedisAddr),
			)
			return nil
		}
		_ = client.Close()
		m.log.Warn("redis unreachable, falling back to in-memory queue",
			logx.String("addr", m.cfg.RedisAddr),
			logx.Any("err", err),
		)
	}

	m.backend = newMemoryBackend(m.cfg.PollEvery, m.cfg.MaxAttempts, m.cfg.DoneRetention, m.log)
	m.log.Info("queue backend selected", logx.String("backend", "memory"))
	return nil
}

// BackendName reports which backend Initialize picked.
func (m *Manager) BackendName() string {
	if m.backend == nil {
		return ""
	}
	return m.backend.Name()
}

func (m *Manager) Start(ctx context.Context) error {
	if m.backend == nil {
		if err := m.Initialize(ctx); err != nil {
			return err
		}
	}
	m.backend.Start(ctx, m.process)
	return nil
}

func (m *Manager) Stop(ctx context.Context) {
	if m.backend != nil {
		m.backend.Stop(ctx)
	}
	if m.client != nil {
		_ = m.client.Close()
	}
}

// AddJob enqueues one delivery job after the given delay. The job id is
// derived from tweet id + run time, so double-adds are no-ops.
func (m *Manager) AddJob(ctx context.Context, job Job, delay time.Duration) (string, error) {
	if m.backend == nil {
		return "", ErrClosed
	}
	if job.TweetID == "" {
		return "", errors.New("job tweet id is required")
	}
	if job.Kind == "" {
		job.Kind = KindPost
	}
	if job.RunAt.IsZero() {
		job.RunAt = time.Now().Add(delay)
	}
	job.ID = JobID(job.TweetID, job.RunAt)
	if err := m.backend.Enqueue(ctx, &job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// AddThread enqueues a whole reply chain. Members keep their own RunAt
// stagger; the first enqueue error aborts (already-enqueued members stay, a
// re-add is a no-op thanks to deterministic ids).
func (m *Manager) AddThread(ctx context.Context, members []Job) ([]string, error) {
	if len(members) == 0 {
		return nil, errors.New("thread has no members")
	}
	ids := make([]string, 0, len(members))
	for i := range members {
		j := members[i]
		j.Kind = KindThread
		id, err := m.AddJob(ctx, j, 0)
		if err != nil {
			return ids, fmt.Errorf("thread member %d: %w", j.ThreadPos, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// RemoveJob best-effort drops a queued job.
func (m *Manager) RemoveJob(ctx context.Context, jobID string) error {
	if m.backend == nil {
		return ErrClosed
	}
	return m.backend.Remove(ctx, jobID)
}

func (m *Manager) Pause() {
	if m.backend != nil {
		m.backend.Pause()
	}
}

func (m *Manager) Resume() {
	if m.backend != nil {
		m.backend.Resume()
	}
}

func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	if m.backend == nil {
		return Stats{}, ErrClosed
	}
	return m.backend.Stats(ctx)
}

// process is the shared job routine both backends funnel into.
func (m *Manager) process(ctx context.Context, job *Job) error {
	log := m.log.With(
		logx.String("job_id", job.ID),
		logx.String("tweet_id", job.TweetID),
		logx.String("kind", string(job.Kind)),
		logx.Int("attempt", job.Attempts),
	)

	// Claim the tweet. A conflict means someone else moved it on (cancelled,
	// already posted): drop the job without burning a failure.
	if err := m.deps.Store.MarkPosting(ctx, job.TweetID); err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			log.Info("job skipped, tweet no longer deliverable", logx.Any("err", err))
			return nil
		}
		return fmt.Errorf("mark posting: %w", err)
	}

	action := "post"
	if job.Kind == KindReply || (job.Kind == KindThread && job.ThreadPos > 1) {
		action = "reply"
	}

	permanent := job.Attempts >= m.cfg.MaxAttempts

	if d := m.deps.Pacing.CheckRateLimit(action); !d.Allowed {
		err := fmt.Errorf("pacing disallows %s, wait %s", action, d.Wait.Round(time.Second))
		m.recordFailure(ctx, job, err, permanent, log)
		// The wait is known: requeue past it instead of retrying into the
		// same rejection.
		return retryIn(err, d.Wait)
	}

	res, err := m.dispatch(ctx, job)
	if err == nil && !res.Success {
		err = fmt.Errorf("actor rejected %s: %s", action, res.Error)
	}
	if err != nil {
		m.recordFailure(ctx, job, err, permanent, log)
		return err
	}

	now := time.Now()
	if err := m.deps.Store.MarkPosted(ctx, job.TweetID, res.ExternalID, res.URL, now); err != nil {
		// The action happened; a store failure here must not trigger a
		// duplicate post. Log loudly and give up on this job.
		log.Error("tweet delivered but store update failed", logx.Any("err", err))
		return nil
	}
	m.deps.Pacing.RecordAction(action)
	if m.deps.Bus != nil {
		m.deps.Bus.Publish(eventbus.Event{
			Type: "tweet.posted",
			Data: map[string]any{
				"tweet_id":    job.TweetID,
				"account_id":  job.AccountID,
				"external_id": res.ExternalID,
				"url":         res.URL,
			},
		})
	}
	log.Info("tweet posted", logx.String("url", res.URL))
	return nil
}

// dispatch routes the job to the right actor call, guarded by the breaker.
func (m *Manager) dispatch(ctx context.Context, job *Job) (actor.Result, error) {
	var (
		res actor.Result
		br  = m.deps.Breakers.Get(BreakerActor)
	)

	call := func(fn func(ctx context.Context) (actor.Result, error)) error {
		return br.Execute(ctx, func(ctx context.Context) error {
			var err error
			res, err = fn(ctx)
			return err
		})
	}

	switch job.Kind {
	case KindPost:
		return res, call(func(ctx context.Context) (actor.Result, error) {
			return m.deps.Actor.PostContent(ctx, job.AccountID, job.Content)
		})

	case KindReply:
		if job.ReplyToURL == "" {
			return res, errors.New("reply job has no target url")
		}
		return res, call(func(ctx context.Context) (actor.Result, error) {
			return m.deps.Actor.PostReply(ctx, job.AccountID, job.ReplyToURL, job.Content)
		})

	case KindThread:
		if job.ThreadPos <= 1 {
			// Thread opener is a plain post.
			return res, call(func(ctx context.Context) (actor.Result, error) {
				return m.deps.Actor.PostContent(ctx, job.AccountID, job.Content)
			})
		}
		// Continuations reply to the immediately preceding member, which must
		// already be delivered so we know its platform url.
		prev, err := m.deps.Store.ThreadMember(ctx, job.ThreadID, job.ThreadPos-1)
		if err != nil {
			return res, fmt.Errorf("thread %s member %d: %w", job.ThreadID, job.ThreadPos-1, err)
		}
		if prev.Status != store.TweetPosted {
			return res, fmt.Errorf("thread %s member %d not posted yet (%s)", job.ThreadID, job.ThreadPos-1, prev.Status)
		}
		return res, call(func(ctx context.Context) (actor.Result, error) {
			return m.deps.Actor.PostReply(ctx, job.AccountID, prev.URL, job.Content)
		})

	default:
		return res, fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

func (m *Manager) recordFailure(ctx context.Context, job *Job, cause error, permanent bool, log logx.Logger) {
	if err := m.deps.Store.MarkFailed(ctx, job.TweetID, cause.Error(), permanent); err != nil {
		log.Error("record delivery failure", logx.Any("err", err))
	}
	if m.deps.Bus != nil {
		evt := "tweet.failed"
		if permanent {
			evt = "tweet.failed_permanent"
		}
		m.deps.Bus.Publish(eventbus.Event{
			Type: evt,
			Data: map[string]any{
				"tweet_id":   job.TweetID,
				"account_id": job.AccountID,
				"attempt":    job.Attempts,
				"error":      cause.Error(),
			},
		})
	}
	log.Warn("delivery failed", logx.Bool("permanent", permanent), logx.Any("err", cause))
}
