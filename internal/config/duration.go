package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration fields are Go duration strings in the file. Parsing reports the
// offending config path so a rejected reload points at the right line.
func parseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func durationOr(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := parseDuration(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

func (s StorageConfig) BusyTimeoutOr(def time.Duration) (time.Duration, error) {
	return durationOr("storage.busy_timeout", s.BusyTimeout, def)
}

func (s SchedulerConfig) TickIntervalOr(def time.Duration) (time.Duration, error) {
	return durationOr("scheduler.tick_interval", s.TickInterval, def)
}

func (s SchedulerConfig) MisfireThresholdOr(def time.Duration) (time.Duration, error) {
	return durationOr("scheduler.misfire_threshold", s.MisfireThreshold, def)
}

func (s SchedulerConfig) StopGraceOr(def time.Duration) (time.Duration, error) {
	return durationOr("scheduler.stop_grace", s.StopGrace, def)
}

// DefaultTimeoutDuration returns the per-run timeout; zero disables it.
func (s SchedulerConfig) DefaultTimeoutDuration() (time.Duration, error) {
	return parseDuration("scheduler.default_timeout", s.DefaultTimeout)
}
