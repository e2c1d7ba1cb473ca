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
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "solocron.yaml", `
logging:
  level: DEBUG
storage:
  driver: sqlite
  path: ./data/jobs.db
  busy_timeout: 3s
scheduler:
  tick_interval: 500ms
  workers: 4
  timezone: Asia/Jakarta
  stop_grace: 10s
jobs:
  - id: heartbeat
    schedule: "*/5 * * * *"
    handler: heartbeat
  - id: one-shot
    schedule: "at:2026-12-01T00:00:00Z"
    handler: heartbeat
    enabled: false
    until: "2026-12-31T00:00:00Z"
`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Fatalf("Level = %q", cfg.Logging.Level)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.BusyTimeout != "3s" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Scheduler.Workers != 4 || cfg.Scheduler.Timezone != "Asia/Jakarta" {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if len(cfg.Jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(cfg.Jobs))
	}
	if !cfg.Jobs[0].IsEnabled() || cfg.Jobs[1].IsEnabled() {
		t.Fatal("enabled defaulting broken")
	}
	until, err := cfg.Jobs[1].UntilTime()
	if err != nil {
		t.Fatalf("UntilTime: %v", err)
	}
	if want := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC); !until.Equal(want) {
		t.Fatalf("until = %v, want %v", until, want)
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "solocron.json",
		`{"scheduler":{"tick_interval":"2s"},"jobs":[{"id":"j","schedule":"5m","handler":"h"}]}`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.TickInterval != "2s" || len(cfg.Jobs) != 1 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadRejectsBadDocuments(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		body string
		want string
	}{
		{"unknown field", "c.yaml", "schedulr:\n  workers: 2\n", "unknown field"},
		{"bad duration", "c.yaml", "scheduler:\n  tick_interval: fast\n", "invalid duration"},
		{"bad timezone", "c.yaml", "scheduler:\n  timezone: Mars/Olympus\n", "timezone"},
		{"bad driver", "c.yaml", "storage:\n  driver: postgres\n", "unknown driver"},
		{"job missing id", "c.yaml", "jobs:\n  - schedule: 5m\n    handler: h\n", "id is required"},
		{"job missing handler", "c.yaml", "jobs:\n  - id: j\n    schedule: 5m\n", "handler is required"},
		{"duplicate job id", "c.yaml", "jobs:\n  - id: j\n    schedule: 5m\n    handler: h\n  - id: j\n    schedule: 1m\n    handler: h\n", "duplicate id"},
		{"bad until", "c.yaml", "jobs:\n  - id: j\n    schedule: 5m\n    handler: h\n    until: tomorrow\n", "until"},
		{"trailing json", "c.json", `{"jobs":[]}{"extra":true}`, ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := writeConfig(t, tt.file, tt.body)
			_, err := NewManager(path).Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.want != "" && !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestDurationAccessors(t *testing.T) {
	t.Parallel()
	sc := SchedulerConfig{TickInterval: "  90s "}
	if d, err := sc.TickIntervalOr(time.Second); err != nil || d != 90*time.Second {
		t.Fatalf("tick: got %v, %v", d, err)
	}
	if d, err := (SchedulerConfig{}).TickIntervalOr(7 * time.Second); err != nil || d != 7*time.Second {
		t.Fatalf("tick default: got %v, %v", d, err)
	}
	if _, err := (SchedulerConfig{StopGrace: "-1s"}).StopGraceOr(time.Second); err == nil {
		t.Fatal("expected error for negative duration")
	}
	if _, err := (StorageConfig{BusyTimeout: "fast"}).BusyTimeoutOr(time.Second); err == nil {
		t.Fatal("expected error for junk duration")
	}
	// An unset timeout means "no timeout", not a default.
	if d, err := (SchedulerConfig{}).DefaultTimeoutDuration(); err != nil || d != 0 {
		t.Fatalf("timeout: got %v, %v", d, err)
	}
}

func TestSubscribePublishAndCommit(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "c.yaml", "scheduler:\n  workers: 1\n")
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	next := &Config{}
	next.Scheduler.Workers = 9
	m.Commit(next)
	m.publish(next)

	select {
	case got := <-sub:
		if got.Scheduler.Workers != 9 {
			t.Fatalf("published workers = %d", got.Scheduler.Workers)
		}
	case <-time.After(time.Second):
		t.Fatal("no publish received")
	}
	if m.Get().Scheduler.Workers != 9 {
		t.Fatal("Commit not visible via Get")
	}
}
