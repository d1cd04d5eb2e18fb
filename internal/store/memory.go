package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is a process-local Store for tests and ephemeral runs.
// It mirrors the sqlite implementation's transition rules exactly.
type Memory struct {
	mu        sync.Mutex
	tweets    map[string]*Tweet
	schedules map[string]*Schedule
	activity  map[string]time.Time
	audit     []AuditEvent
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		tweets:    make(map[string]*Tweet),
		schedules: make(map[string]*Schedule),
		activity:  make(map[string]time.Time),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateScheduled(ctx context.Context, t *Tweet, runAt time.Time) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("tweet id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tweets[t.ID] != nil {
		return fmt.Errorf("%w: tweet %s already exists", ErrConflict, t.ID)
	}
	now := time.Now()
	cp := *t
	cp.Status = TweetScheduled
	cp.ScheduledAt = runAt
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.tweets[cp.ID] = &cp
	m.schedules[cp.ID] = &Schedule{
		TweetID:   cp.ID,
		Status:    SchedulePending,
		RunAt:     runAt,
		UpdatedAt: now,
	}
	return nil
}

// transition checks the current status against from before mutating.
// Caller holds m.mu.
func (m *Memory) transition(tweetID string, from ...TweetStatus) (*Tweet, error) {
	t := m.tweets[tweetID]
	if t == nil {
		return nil, ErrNotFound
	}
	for _, f := range from {
		if t.Status == f {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: tweet %s is %s", ErrConflict, tweetID, t.Status)
}

func (m *Memory) MarkPosting(ctx context.Context, tweetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.transition(tweetID, TweetScheduled, TweetFailed)
	if err != nil {
		return err
	}
	now := time.Now()
	t.Status = TweetPosting
	t.UpdatedAt = now
	if sc := m.schedules[tweetID]; sc != nil {
		sc.Status = ScheduleRunning
		sc.UpdatedAt = now
	}
	return nil
}

func (m *Memory) MarkPosted(ctx context.Context, tweetID, externalID, url string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.transition(tweetID, TweetPosting)
	if err != nil {
		return err
	}
	t.Status = TweetPosted
	t.ExternalID = externalID
	t.URL = url
	t.Error = ""
	t.PostedAt = at
	t.UpdatedAt = at
	if sc := m.schedules[tweetID]; sc != nil {
		sc.Status = ScheduleCompleted
		sc.LastError = ""
		sc.UpdatedAt = at
	}
	m.activity[t.AccountID] = at
	m.audit = append(m.audit, AuditEvent{
		At:        at,
		AccountID: t.AccountID,
		TweetID:   tweetID,
		Action:    "tweet_posted",
		Detail:    url,
	})
	return nil
}

func (m *Memory) MarkFailed(ctx context.Context, tweetID, errText string, permanent bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.transition(tweetID, TweetPosting, TweetScheduled)
	if err != nil {
		return err
	}
	now := time.Now()
	t.Status = TweetFailed
	t.Error = errText
	t.UpdatedAt = now
	if sc := m.schedules[tweetID]; sc != nil {
		sc.Retries++
		sc.LastError = errText
		sc.UpdatedAt = now
		if permanent {
			sc.Status = ScheduleFailed
		} else {
			sc.Status = SchedulePending
		}
	}
	return nil
}

func (m *Memory) CancelTweet(ctx context.Context, tweetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.transition(tweetID, TweetScheduled)
	if err != nil {
		return err
	}
	now := time.Now()
	t.Status = TweetCancelled
	t.UpdatedAt = now
	if sc := m.schedules[tweetID]; sc != nil {
		sc.Status = ScheduleCancelled
		sc.UpdatedAt = now
	}
	return nil
}

func (m *Memory) CancelThread(ctx context.Context, threadID string) (int, error) {
	if strings.TrimSpace(threadID) == "" {
		return 0, fmt.Errorf("thread id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	n := 0
	for _, t := range m.tweets {
		if t.ThreadID != threadID || t.Status != TweetScheduled {
			continue
		}
		t.Status = TweetCancelled
		t.UpdatedAt = now
		if sc := m.schedules[t.ID]; sc != nil {
			sc.Status = ScheduleCancelled
			sc.UpdatedAt = now
		}
		n++
	}
	return n, nil
}

func (m *Memory) Reschedule(ctx context.Context, tweetID string, runAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.transition(tweetID, TweetScheduled, TweetFailed)
	if err != nil {
		return err
	}
	now := time.Now()
	t.Status = TweetScheduled
	t.ScheduledAt = runAt
	t.Error = ""
	t.UpdatedAt = now
	if sc := m.schedules[tweetID]; sc != nil {
		sc.Status = SchedulePending
		sc.RunAt = runAt
		sc.LastError = ""
		sc.UpdatedAt = now
	}
	return nil
}

func (m *Memory) GetTweet(ctx context.Context, id string) (*Tweet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tweets[id]
	if t == nil {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) ThreadMember(ctx context.Context, threadID string, pos int) (*Tweet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tweets {
		if t.ThreadID == threadID && t.ThreadPos == pos {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) Upcoming(ctx context.Context, accountID string, limit int) ([]*Tweet, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	var out []*Tweet
	for _, t := range m.tweets {
		if t.Status != TweetScheduled {
			continue
		}
		if accountID != "" && t.AccountID != accountID {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DueSchedules(ctx context.Context, now time.Time, limit int) ([]*Schedule, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	var out []*Schedule
	for _, sc := range m.schedules {
		if sc.Status != SchedulePending || sc.RunAt.After(now) {
			continue
		}
		cp := *sc
		out = append(out, &cp)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RunAt.Before(out[j].RunAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) AppendAudit(ctx context.Context, e AuditEvent) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.mu.Lock()
	m.audit = append(m.audit, e)
	m.mu.Unlock()
	return nil
}

// Audit returns a copy of the recorded audit trail. Test helper.
func (m *Memory) Audit() []AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEvent(nil), m.audit...)
}

// LastActivity returns the account's last recorded platform action.
func (m *Memory) LastActivity(accountID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.activity[accountID]
	return at, ok
}
