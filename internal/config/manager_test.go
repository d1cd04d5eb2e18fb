package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{
		"logging": {"level": "debug", "console": true},
		"storage": {"driver": "sqlite", "path": "./test.db"},
		"actor": {"base_url": "http://127.0.0.1:8800"},
		"scheduler": {"enabled": true, "timezone": "Asia/Jakarta", "due_check_every": "30s"}
	}`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("logging.level = %q", cfg.Logging.Level)
	}
	if cfg.Scheduler.Timezone != "Asia/Jakarta" {
		t.Fatalf("scheduler.timezone = %q", cfg.Scheduler.Timezone)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get should return the committed config")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", strings.Join([]string{
		"logging:",
		"  level: info",
		"storage:",
		"  driver: memory",
		"actor:",
		"  base_url: http://127.0.0.1:8800",
		"queue:",
		"  poll_every: 10s",
		"  max_attempts: 5",
	}, "\n"))

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue.PollEvery != "10s" || cfg.Queue.MaxAttempts != 5 {
		t.Fatalf("queue config = %+v", cfg.Queue)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"loging": {"level": "info"}}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("want error for unknown field")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"logging": {"level": "info"}}{"extra": 1}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("want error for trailing data")
	}
}

func TestValidateCatchesBadValues(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad level", func(c *Config) { c.Logging.Level = "chatty" }},
		{"bad driver", func(c *Config) { c.Storage.Driver = "oracle" }},
		{"bad duration", func(c *Config) { c.Queue.PollEvery = "five seconds" }},
		{"negative attempts", func(c *Config) { c.Queue.MaxAttempts = -1 }},
		{"bad jitter", func(c *Config) { c.Pacing.Jitter = 1.5 }},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }},
		{"alerts without token", func(c *Config) { c.Alerts.Enabled = true }},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{}
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("want validation error")
			}
		})
	}
}

func TestSubscribePublishDropOldest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{}
	second := &Config{Logging: LoggingConfig{Level: "debug"}}
	m.publish(first)
	m.publish(second)

	select {
	case got := <-ch:
		if got != second {
			t.Fatal("slow subscriber should see the newest config")
		}
	case <-time.After(time.Second):
		t.Fatal("no config delivered")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	// Publishing after unsubscribe must not panic.
	m.publish(&Config{})
}
