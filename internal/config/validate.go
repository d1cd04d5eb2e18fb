package config

import (
	"fmt"
	"strings"
	"time"
)

// Validate checks the parts of the config that would otherwise fail deep
// inside a component after a hot-reload. It parses every duration string and
// rejects obviously broken values so Commit/publish stays transactional.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "memory":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}

	durs := []struct {
		path string
		raw  string
	}{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"actor.timeout", c.Actor.Timeout},
		{"queue.poll_every", c.Queue.PollEvery},
		{"queue.redis.probe_timeout", c.Queue.Redis.ProbeTimeout},
		{"scheduler.due_check_every", c.Scheduler.DueCheckEvery},
		{"task_runner.tick_every", c.TaskRunner.TickEvery},
		{"task_runner.retry_base", c.TaskRunner.RetryBase},
		{"task_runner.retention", c.TaskRunner.Retention},
		{"pacing.min_gap", c.Pacing.MinGap},
		{"breaker.open_timeout", c.Breaker.OpenTimeout},
		{"breaker.reset_timeout", c.Breaker.ResetTimeout},
		{"alerts.dedup_window", c.Alerts.DedupWindow},
		{"pprof.read_timeout", c.Pprof.ReadTimeout},
		{"pprof.write_timeout", c.Pprof.WriteTimeout},
		{"pprof.idle_timeout", c.Pprof.IdleTimeout},
	}
	for _, d := range durs {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if c.Queue.MaxAttempts < 0 {
		return fmt.Errorf("queue.max_attempts: must be >= 0, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.ActionsPerMinute < 0 {
		return fmt.Errorf("queue.actions_per_minute: must be >= 0, got %d", c.Queue.ActionsPerMinute)
	}
	if c.TaskRunner.MaxConcurrent < 0 {
		return fmt.Errorf("task_runner.max_concurrent: must be >= 0, got %d", c.TaskRunner.MaxConcurrent)
	}
	if c.Pacing.Jitter < 0 || c.Pacing.Jitter > 1 {
		return fmt.Errorf("pacing.jitter: must be in [0,1], got %v", c.Pacing.Jitter)
	}
	for name, a := range c.Pacing.Actions {
		if a.PerHour < 0 || a.Burst < 0 || a.DailyMax < 0 {
			return fmt.Errorf("pacing.actions.%s: budgets must be >= 0", name)
		}
	}
	if c.Breaker.FailureThreshold < 0 || c.Breaker.SuccessThreshold < 0 {
		return fmt.Errorf("breaker: thresholds must be >= 0")
	}

	if c.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}

	if c.Alerts.Enabled && c.Alerts.Telegram.Token == "" {
		return fmt.Errorf("alerts.telegram.token: required when alerts are enabled")
	}

	return nil
}
