package app

import (
	"fmt"
	"strings"
	"time"

	"postdeck/internal/actor"
	"postdeck/internal/alerts"
	"postdeck/internal/breaker"
	"postdeck/internal/config"
	"postdeck/internal/observability/pprof"
	"postdeck/internal/pacing"
	"postdeck/internal/queue"
	"postdeck/internal/scheduler"
	"postdeck/internal/store"
	"postdeck/internal/taskrunner"
	logx "postdeck/pkg/logx"
)

// The map* helpers translate raw config (strings, optional fields) into
// component configs. They are also run by the validator so a bad hot-reload
// is rejected before any component sees it.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapActorConfig(cfg *config.Config) (actor.Config, error) {
	timeout, err := config.ParseDurationField("actor.timeout", cfg.Actor.Timeout)
	if err != nil {
		return actor.Config{}, err
	}
	if strings.TrimSpace(cfg.Actor.BaseURL) == "" {
		return actor.Config{}, fmt.Errorf("actor.base_url is required")
	}
	return actor.Config{
		BaseURL: cfg.Actor.BaseURL,
		Token:   cfg.Actor.Token,
		Timeout: timeout,
	}, nil
}

func mapQueueConfig(cfg *config.Config) (queue.Config, error) {
	poll, err := config.ParseDurationField("queue.poll_every", cfg.Queue.PollEvery)
	if err != nil {
		return queue.Config{}, err
	}
	probe, err := config.ParseDurationField("queue.redis.probe_timeout", cfg.Queue.Redis.ProbeTimeout)
	if err != nil {
		return queue.Config{}, err
	}
	if cfg.Queue.MaxAttempts < 0 {
		return queue.Config{}, fmt.Errorf("queue.max_attempts must be >= 0")
	}
	if cfg.Queue.ActionsPerMinute < 0 {
		return queue.Config{}, fmt.Errorf("queue.actions_per_minute must be >= 0")
	}
	return queue.Config{
		RedisAddr:        cfg.Queue.Redis.Addr,
		RedisPassword:    cfg.Queue.Redis.Password,
		RedisDB:          cfg.Queue.Redis.DB,
		ProbeTimeout:     probe,
		PollEvery:        poll,
		MaxAttempts:      cfg.Queue.MaxAttempts,
		ActionsPerMinute: cfg.Queue.ActionsPerMinute,
		DoneRetention:    cfg.Queue.DoneRetention,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	due, err := config.ParseDurationField("scheduler.due_check_every", cfg.Scheduler.DueCheckEvery)
	if err != nil {
		return scheduler.Config{}, err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{
		Enabled:       cfg.Scheduler.Enabled,
		Timezone:      cfg.Scheduler.Timezone,
		DueCheckEvery: due,
	}, nil
}

func mapTaskRunnerConfig(cfg *config.Config) (taskrunner.Config, error) {
	tick, err := config.ParseDurationField("task_runner.tick_every", cfg.TaskRunner.TickEvery)
	if err != nil {
		return taskrunner.Config{}, err
	}
	retryBase, err := config.ParseDurationField("task_runner.retry_base", cfg.TaskRunner.RetryBase)
	if err != nil {
		return taskrunner.Config{}, err
	}
	retention, err := config.ParseDurationField("task_runner.retention", cfg.TaskRunner.Retention)
	if err != nil {
		return taskrunner.Config{}, err
	}
	if cfg.TaskRunner.MaxConcurrent < 0 {
		return taskrunner.Config{}, fmt.Errorf("task_runner.max_concurrent must be >= 0")
	}
	if cfg.TaskRunner.RetryMax < 0 {
		return taskrunner.Config{}, fmt.Errorf("task_runner.retry_max must be >= 0")
	}
	return taskrunner.Config{
		Enabled:       cfg.TaskRunner.Enabled,
		TickEvery:     tick,
		MaxConcurrent: cfg.TaskRunner.MaxConcurrent,
		RetryMax:      cfg.TaskRunner.RetryMax,
		RetryBase:     retryBase,
		Retention:     retention,
	}, nil
}

func mapPacingConfig(cfg *config.Config) (pacing.Config, error) {
	minGap, err := config.ParseDurationField("pacing.min_gap", cfg.Pacing.MinGap)
	if err != nil {
		return pacing.Config{}, err
	}
	jitter := cfg.Pacing.Jitter
	if jitter < 0 || jitter > 1 {
		return pacing.Config{}, fmt.Errorf("pacing.jitter must be in [0, 1]")
	}
	if jitter == 0 {
		jitter = 0.3
	}
	var budgets map[string]pacing.Budget
	if len(cfg.Pacing.Actions) > 0 {
		budgets = make(map[string]pacing.Budget, len(cfg.Pacing.Actions))
		for action, a := range cfg.Pacing.Actions {
			if a.PerHour < 0 || a.Burst < 0 || a.DailyMax < 0 {
				return pacing.Config{}, fmt.Errorf("pacing.actions.%s: limits must be >= 0", action)
			}
			budgets[action] = pacing.Budget{
				PerHour:  a.PerHour,
				Burst:    a.Burst,
				DailyMax: a.DailyMax,
			}
		}
	}
	return pacing.Config{
		MinGap:  minGap,
		Jitter:  jitter,
		Budgets: budgets,
	}, nil
}

func mapBreakerConfig(cfg *config.Config) (breaker.Config, error) {
	open, err := config.ParseDurationField("breaker.open_timeout", cfg.Breaker.OpenTimeout)
	if err != nil {
		return breaker.Config{}, err
	}
	reset, err := config.ParseDurationField("breaker.reset_timeout", cfg.Breaker.ResetTimeout)
	if err != nil {
		return breaker.Config{}, err
	}
	if cfg.Breaker.FailureThreshold < 0 || cfg.Breaker.SuccessThreshold < 0 {
		return breaker.Config{}, fmt.Errorf("breaker thresholds must be >= 0")
	}
	return breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		OpenTimeout:      open,
		ResetTimeout:     reset,
	}, nil
}

func mapAlertsConfig(cfg *config.Config) (alerts.Config, error) {
	dedup, err := config.ParseDurationField("alerts.dedup_window", cfg.Alerts.DedupWindow)
	if err != nil {
		return alerts.Config{}, err
	}
	if cfg.Alerts.RatePerMin < 0 {
		return alerts.Config{}, fmt.Errorf("alerts.rate_per_min must be >= 0")
	}
	if cfg.Alerts.Enabled && strings.TrimSpace(cfg.Alerts.Telegram.Token) == "" {
		return alerts.Config{}, fmt.Errorf("alerts.telegram.token is required when alerts are enabled")
	}
	return alerts.Config{
		Enabled:     cfg.Alerts.Enabled,
		RatePerMin:  cfg.Alerts.RatePerMin,
		DedupWindow: dedup,
	}, nil
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	read, err := config.ParseDurationField("pprof.read_timeout", cfg.Pprof.ReadTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	write, err := config.ParseDurationField("pprof.write_timeout", cfg.Pprof.WriteTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	idle, err := config.ParseDurationField("pprof.idle_timeout", cfg.Pprof.IdleTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:       cfg.Pprof.Enabled,
		Addr:          cfg.Pprof.Addr,
		Token:         cfg.Pprof.Token,
		AllowInsecure: cfg.Pprof.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}
