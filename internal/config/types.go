package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the on-disk wire format (YAML or JSON). Durations are strings
// ("30s", "5m") so the file stays hand-editable; Validate parses them.
type Config struct {
	Logging   LoggingConfig   `json:"logging,omitempty"`
	Storage   StorageConfig   `json:"storage,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Jobs      []JobSpec       `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console *bool         `json:"console,omitempty"`
	File    LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	// Driver is "sqlite" (default) or "file".
	Driver string `json:"driver,omitempty"`
	// Path is the database file for sqlite, or the snapshot/journal prefix
	// for the file driver.
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	Enabled          *bool  `json:"enabled,omitempty"`
	TickInterval     string `json:"tick_interval,omitempty"`
	Workers          int    `json:"workers,omitempty"`
	QueueSize        int    `json:"queue_size,omitempty"`
	DefaultTimeout   string `json:"default_timeout,omitempty"`
	MisfireThreshold string `json:"misfire_threshold,omitempty"`
	HistorySize      int    `json:"history_size,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
	StopGrace        string `json:"stop_grace,omitempty"`
}

// JobSpec declares one job in the config file. Handler names are resolved
// against the process handler registry at startup.
type JobSpec struct {
	ID       string `json:"id"`
	Schedule string `json:"schedule"`
	Handler  string `json:"handler"`
	Enabled  *bool  `json:"enabled,omitempty"`
	Until    string `json:"until,omitempty"` // RFC3339; empty means no bound
}

func (j JobSpec) IsEnabled() bool { return j.Enabled == nil || *j.Enabled }

func (j JobSpec) UntilTime() (time.Time, error) {
	s := strings.TrimSpace(j.Until)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("jobs[%s].until: %w", j.ID, err)
	}
	return t, nil
}

// Validate checks the whole document: duration fields parse, timezone
// loads, job entries are complete and ids are unique. Schedule syntax is
// validated at registration, not here, because it needs the timezone.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	for path, raw := range map[string]string{
		"storage.busy_timeout":        c.Storage.BusyTimeout,
		"scheduler.tick_interval":     c.Scheduler.TickInterval,
		"scheduler.default_timeout":   c.Scheduler.DefaultTimeout,
		"scheduler.misfire_threshold": c.Scheduler.MisfireThreshold,
		"scheduler.stop_grace":        c.Scheduler.StopGrace,
	} {
		if _, err := parseDuration(path, raw); err != nil {
			return err
		}
	}
	if d := strings.TrimSpace(c.Storage.Driver); d != "" && d != "sqlite" && d != "file" {
		return fmt.Errorf("storage.driver: unknown driver %q", d)
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}

	seen := map[string]struct{}{}
	for i, j := range c.Jobs {
		if strings.TrimSpace(j.ID) == "" {
			return fmt.Errorf("jobs[%d]: id is required", i)
		}
		if strings.TrimSpace(j.Schedule) == "" {
			return fmt.Errorf("jobs[%s]: schedule is required", j.ID)
		}
		if strings.TrimSpace(j.Handler) == "" {
			return fmt.Errorf("jobs[%s]: handler is required", j.ID)
		}
		if _, dup := seen[j.ID]; dup {
			return fmt.Errorf("jobs[%s]: duplicate id", j.ID)
		}
		seen[j.ID] = struct{}{}
		if _, err := j.UntilTime(); err != nil {
			return err
		}
	}
	return nil
}
