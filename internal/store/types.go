package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict means the record exists but is not in a state that allows
	// the requested transition.
	ErrConflict = errors.New("conflicting record state")
)

// Config configures persistence.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": process-local, for tests and ephemeral runs
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type TweetStatus string

const (
	TweetDraft     TweetStatus = "draft"
	TweetScheduled TweetStatus = "scheduled"
	TweetPosting   TweetStatus = "posting"
	TweetPosted    TweetStatus = "posted"
	TweetFailed    TweetStatus = "failed"
	TweetCancelled TweetStatus = "cancelled"
)

// Tweet is one piece of content bound for the platform.
// ThreadID/ThreadPos are set only for thread members; positions start at 1.
type Tweet struct {
	ID         string
	AccountID  string
	Content    string
	ReplyToURL string
	ThreadID   string
	ThreadPos  int
	Status     TweetStatus
	ExternalID string
	URL        string
	Error      string

	ScheduledAt time.Time
	PostedAt    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type ScheduleStatus string

const (
	SchedulePending   ScheduleStatus = "pending"
	ScheduleRunning   ScheduleStatus = "running"
	ScheduleCompleted ScheduleStatus = "completed"
	ScheduleFailed    ScheduleStatus = "failed"
	ScheduleCancelled ScheduleStatus = "cancelled"
)

// Schedule is the timed-delivery record, 1:1 with a tweet.
type Schedule struct {
	TweetID   string
	Status    ScheduleStatus
	RunAt     time.Time
	Retries   int
	LastError string
	UpdatedAt time.Time
}

// AuditEvent records one pipeline action for the dashboard and analytics.
type AuditEvent struct {
	At        time.Time
	AccountID string
	TweetID   string
	Action    string
	Detail    string
}

// Store is the persistence API used by the scheduler and the queue manager.
//
// State-transition methods are transactional: on error nothing is modified
// and the call is safe to retry.
type Store interface {
	// CreateScheduled inserts the tweet as SCHEDULED together with its
	// PENDING schedule record in one transaction.
	CreateScheduled(ctx context.Context, t *Tweet, runAt time.Time) error

	// MarkPosting moves a SCHEDULED or FAILED tweet to POSTING and its
	// schedule to RUNNING. FAILED is allowed so retries re-enter cleanly.
	MarkPosting(ctx context.Context, tweetID string) error

	// MarkPosted finalizes a POSTING tweet: sets POSTED with the external
	// id/url, completes the schedule, bumps the account's last activity and
	// appends a tweet_posted audit event, all in one transaction.
	MarkPosted(ctx context.Context, tweetID, externalID, url string, at time.Time) error

	// MarkFailed records a delivery failure. The schedule's retry count is
	// incremented; when permanent the schedule is FAILED, otherwise it
	// returns to PENDING for another attempt.
	MarkFailed(ctx context.Context, tweetID, errText string, permanent bool) error

	// CancelTweet cancels a SCHEDULED tweet and its schedule.
	CancelTweet(ctx context.Context, tweetID string) error

	// CancelThread cancels every still-SCHEDULED member and reports how many
	// were cancelled.
	CancelThread(ctx context.Context, threadID string) (int, error)

	// Reschedule moves a SCHEDULED or FAILED tweet back to SCHEDULED with a
	// new run time and a PENDING schedule.
	Reschedule(ctx context.Context, tweetID string, runAt time.Time) error

	GetTweet(ctx context.Context, id string) (*Tweet, error)

	// ThreadMember looks up one thread member by position (1-based).
	ThreadMember(ctx context.Context, threadID string, pos int) (*Tweet, error)

	// Upcoming lists SCHEDULED tweets ordered by scheduled time.
	// Empty accountID means all accounts.
	Upcoming(ctx context.Context, accountID string, limit int) ([]*Tweet, error)

	// DueSchedules lists PENDING schedules with run_at <= now.
	DueSchedules(ctx context.Context, now time.Time, limit int) ([]*Schedule, error)

	AppendAudit(ctx context.Context, e AuditEvent) error

	Close() error
}
