package config

// Config is the whole process configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m") and are
// validated at load/reload time so a bad hot-reload never reaches a component.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage backs the content/schedule/audit records.
	Storage StorageConfig `json:"storage"`

	// Actor is the browser-automation backend that performs platform actions.
	Actor ActorConfig `json:"actor"`

	// Queue controls delivery-job execution (broker-or-memory backend).
	Queue QueueConfig `json:"queue"`

	// Scheduler controls timed delivery (due-check, timezone).
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskRunner controls ancillary background work (cleanup, analysis).
	TaskRunner TaskRunnerConfig `json:"task_runner"`

	// Pacing controls the human-cadence policy for platform actions.
	Pacing PacingConfig `json:"pacing"`

	// Breaker sets default thresholds for circuit breakers guarding
	// external dependencies.
	Breaker BreakerConfig `json:"breaker"`

	Alerts AlertsConfig `json:"alerts,omitempty"`
	Pprof  PprofConfig  `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./postdeck.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ActorConfig points at the browser-automation HTTP backend.
type ActorConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
	Timeout string `json:"timeout,omitempty"`
}

// QueueConfig controls the tweet queue manager.
//
// If redis.addr is set and reachable at startup, the durable broker backend is
// used; otherwise delivery falls back to the in-memory backend with identical
// external behavior.
type QueueConfig struct {
	Redis RedisConfig `json:"redis,omitempty"`

	// PollEvery is the in-memory backend poll interval (default "5s").
	PollEvery string `json:"poll_every,omitempty"`

	// MaxAttempts bounds delivery retries per job (default 3).
	MaxAttempts int `json:"max_attempts,omitempty"`

	// ActionsPerMinute caps platform-facing throughput in broker mode
	// (default 10). This is independent of inbound rate limiting.
	ActionsPerMinute int `json:"actions_per_minute,omitempty"`

	// DoneRetention bounds how many completed/failed job ids are kept for
	// stats (default 200).
	DoneRetention int `json:"done_retention,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	// ProbeTimeout bounds the init-time reachability probe (default "2s").
	ProbeTimeout string `json:"probe_timeout,omitempty"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Timezone is an IANA TZ, e.g. "Asia/Jakarta". Empty means local.
	Timezone string `json:"timezone,omitempty"`

	// DueCheckEvery is the belt-and-suspenders sweep for missed schedules
	// (default "1m").
	DueCheckEvery string `json:"due_check_every,omitempty"`
}

// TaskRunnerConfig controls the generic background task processor.
//
// Defaults (when fields are omitted/zero):
//   - tick_every: "3s"
//   - max_concurrent: 2
//   - retry_max: 3
//   - retry_base: "1s" (backoff is retry_base * 2^retries)
//   - retention: "5m"
type TaskRunnerConfig struct {
	Enabled       bool   `json:"enabled"`
	TickEvery     string `json:"tick_every,omitempty"`
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	Retention     string `json:"retention,omitempty"`
}

// PacingConfig tunes the human-cadence policy.
type PacingConfig struct {
	// MinGap is the minimum spacing between consecutive platform actions
	// (default "45s"); a jitter fraction is applied on top.
	MinGap string  `json:"min_gap,omitempty"`
	Jitter float64 `json:"jitter,omitempty"` // 0.3 = 30%

	// Actions overrides per-action budgets. Keys: "post", "reply", "like",
	// "follow". Missing actions use built-in defaults.
	Actions map[string]PacingAction `json:"actions,omitempty"`
}

type PacingAction struct {
	PerHour  int `json:"per_hour,omitempty"`
	Burst    int `json:"burst,omitempty"`
	DailyMax int `json:"daily_max,omitempty"`
}

type BreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold,omitempty"` // default 5
	SuccessThreshold int    `json:"success_threshold,omitempty"` // default 2
	OpenTimeout      string `json:"open_timeout,omitempty"`      // default "30s"
	ResetTimeout     string `json:"reset_timeout,omitempty"`     // informational
}

// AlertsConfig controls operator alerting (permanent failures, breaker opens).
type AlertsConfig struct {
	Enabled     bool           `json:"enabled"`
	RatePerMin  int            `json:"rate_per_min,omitempty"`
	DedupWindow string         `json:"dedup_window,omitempty"`
	Telegram    TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Token  string `json:"token,omitempty"`
	ChatID int64  `json:"chat_id,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
