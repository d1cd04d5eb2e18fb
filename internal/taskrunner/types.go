package taskrunner

import (
	"context"
	"time"
)

type Priority int

// Lower value runs first.
const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
	PriorityLow    Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Task is one unit of ancillary background work (cleanup, analysis).
// Delivery jobs never go through here.
type Task struct {
	ID         string
	Type       string
	Priority   Priority
	Payload    any
	Status     Status
	Retries    int
	MaxRetries int
	NotBefore  time.Time
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Result     any
	Err        string

	// seq breaks ties within one priority: FIFO by creation order.
	seq uint64
}

// Handler executes one task. The returned value is stored on the task for
// later inspection; a non-nil error triggers the retry policy unless wrapped
// with NoRetry.
type Handler func(ctx context.Context, t *Task) (any, error)

// Options tune one AddTask call. Zero values mean defaults
// (normal priority, immediately eligible, runner-level retry budget).
type Options struct {
	Priority   Priority
	NotBefore  time.Time
	MaxRetries int
}

// Config holds runner tuning. Zero fields get defaults in New.
type Config struct {
	Enabled       bool
	TickEvery     time.Duration
	MaxConcurrent int
	RetryMax      int
	RetryBase     time.Duration
	Retention     time.Duration
}

// StatusCounts is the observability surface for Status().
type StatusCounts struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}
