package scheduler

import (
	"context"
	"time"

	"solocron/internal/storage"
	"solocron/internal/tracker"
)

// Config controls the scheduler loop.
type Config struct {
	// TickInterval is how often the loop evaluates due jobs.
	TickInterval time.Duration

	Workers   int
	QueueSize int

	// DefaultTimeout bounds each job body when the job itself sets none.
	// 0 disables the global default.
	DefaultTimeout time.Duration

	// MisfireThreshold is the gap between intended and actual fire time
	// beyond which a run counts as a misfire (observability only; the run
	// still happens, once).
	MisfireThreshold time.Duration

	HistorySize int
	Timezone    string // IANA TZ for cron evaluation, e.g. "Asia/Jakarta"

	// StopGrace is the default bounded wait for in-flight work on Stop.
	StopGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.MisfireThreshold <= 0 {
		c.MisfireThreshold = time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	return c
}

// dispatch is one due job that won the begin race and is headed for the
// worker pool.
type dispatch struct {
	job      storage.JobDefinition
	tok      tracker.Token
	fn       JobFunc
	fireTime time.Time // the intended fire instant (from schedule state)
	timeout  time.Duration
}

type HistoryItem struct {
	JobID       string
	ExecutionID string
	FireTime    time.Time
	Started     time.Time
	Duration    time.Duration
	Outcome     storage.Outcome
	Error       string
}

// ScheduleInfo is a per-job view for diagnostics.
type ScheduleInfo struct {
	JobID    string
	Schedule string
	Handler  string
	Enabled  bool
	Next     time.Time
	Last     time.Time
	Misfires int64
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running      bool
	TickInterval time.Duration
	Timezone     string
	Workers      int
	QueueLen     int
	QueueCap     int
	InFlight     int
	Jobs         []ScheduleInfo
	History      []HistoryItem
}

// JobFunc is a job body. It must honor ctx cancellation; errors are
// recorded on the execution, never propagated to the loop.
type JobFunc func(ctx context.Context) error
