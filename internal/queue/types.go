package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrClosed = errors.New("queue closed")
)

type Kind string

const (
	KindPost   Kind = "post"
	KindReply  Kind = "reply"
	KindThread Kind = "thread"
)

// Job is one delivery intent. The durable shadow of it lives in the store as
// a tweet plus schedule record; the job only carries what the worker needs.
type Job struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	TweetID    string    `json:"tweet_id"`
	AccountID  string    `json:"account_id"`
	Content    string    `json:"content"`
	ReplyToURL string    `json:"reply_to_url,omitempty"`
	ThreadID   string    `json:"thread_id,omitempty"`
	ThreadPos  int       `json:"thread_pos,omitempty"`
	RunAt      time.Time `json:"run_at"`

	// Attempts is 1-based for the attempt currently executing.
	Attempts int `json:"attempts"`
}

// JobID derives the deterministic job id. Re-enqueuing the same tweet for the
// same run time is a no-op in both backends, which makes the scheduler's
// due-check sweep safe.
func JobID(tweetID string, runAt time.Time) string {
	return fmt.Sprintf("%s:%d", tweetID, runAt.UnixMilli())
}

// Stats is the operational snapshot surfaced by the manager.
type Stats struct {
	Backend   string `json:"backend"`
	Waiting   int    `json:"waiting"`
	Delayed   int    `json:"delayed"`
	Active    int    `json:"active"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Paused    bool   `json:"paused"`
}

// ProcessFunc executes one due job. job.Attempts already counts the current
// attempt. A non-nil error asks the backend to retry until its attempt cap.
type ProcessFunc func(ctx context.Context, job *Job) error

// retryHint attaches an explicit requeue delay to a processing error, so a
// known wait (pacing gap, throttle) doesn't burn the whole attempt budget on
// immediate retries.
type retryHint struct {
	err  error
	wait time.Duration
}

func retryIn(err error, wait time.Duration) error {
	if err == nil {
		return nil
	}
	if wait < 0 {
		wait = 0
	}
	return retryHint{err: err, wait: wait}
}

func (e retryHint) Error() string { return e.err.Error() }
func (e retryHint) Unwrap() error { return e.err }

// retryDelay extracts the explicit requeue delay, if err carries one.
func retryDelay(err error) (time.Duration, bool) {
	var h retryHint
	if errors.As(err, &h) && h.wait > 0 {
		return h.wait, true
	}
	return 0, false
}

// Backend is the queuing mechanism below the shared processing routine.
// Both implementations honor the same contracts: deterministic-id dedup on
// Enqueue, delivery of due jobs one at a time, and requeue-with-cap on error.
type Backend interface {
	Name() string

	// Start launches the backend's worker; process is called for each due job.
	Start(ctx context.Context, process ProcessFunc)

	// Enqueue adds a job, honoring job.RunAt. Enqueueing an id that is
	// already queued or recently finished is a silent no-op.
	Enqueue(ctx context.Context, job *Job) error

	// Remove best-effort drops a not-yet-started job.
	Remove(ctx context.Context, jobID string) error

	Pause()
	Resume()

	Stats(ctx context.Context) (Stats, error)

	// Stop halts the worker, waiting for an in-flight job (bounded by ctx).
	Stop(ctx context.Context)
}
