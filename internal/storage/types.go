package storage

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a compare-and-swap write loses against a
	// concurrent writer. Callers retry with freshly loaded state.
	ErrConflict = errors.New("update conflict")

	// ErrBusy is returned by BeginExecution while another execution of the
	// same job is still running.
	ErrBusy = errors.New("execution already running")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file": dependency-free file backend (jsonl + snapshot)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Outcome is the final state of one execution.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeFailure          Outcome = "failure"
	OutcomeSkippedDuplicate Outcome = "skipped_duplicate"
)

// JobDefinition is the durable description of a scheduled job.
//
// UpdatedAt doubles as the compare-and-swap token for UpdateJob: a stale
// token fails with ErrConflict instead of silently overwriting.
type JobDefinition struct {
	ID       string    `json:"id"`
	Schedule string    `json:"schedule"` // spec string, see trigger.ParseSchedule
	Handler  string    `json:"handler"`  // opaque handler name resolved by the host
	Enabled  bool      `json:"enabled"`
	Until    time.Time `json:"until,omitempty"` // optional end bound; zero = unbounded

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScheduleState is the per-job mutable scheduling state.
// It is written exclusively by the scheduler loop.
type ScheduleState struct {
	JobID        string    `json:"job_id"`
	NextFire     time.Time `json:"next_fire,omitempty"` // zero = no further occurrences
	LastFire     time.Time `json:"last_fire,omitempty"`
	MisfireCount int64     `json:"misfire_count"`

	UpdatedAt time.Time `json:"updated_at"`
}

// ExecutionRecord is one dispatched run. FinishedAt and Outcome stay zero
// while the run is in flight; a finalized record is never mutated again.
type ExecutionRecord struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Outcome    Outcome   `json:"outcome,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Running reports whether the record has not been finalized yet.
func (r ExecutionRecord) Running() bool { return r.FinishedAt.IsZero() }

// JobFilter narrows ListJobs results.
type JobFilter struct {
	EnabledOnly bool
}

// DueJob pairs a definition with its schedule state for loop evaluation.
type DueJob struct {
	Job   JobDefinition
	State ScheduleState
}

func validateJob(def JobDefinition) error {
	if strings.TrimSpace(def.ID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(def.Schedule) == "" {
		return errors.New("job schedule is required")
	}
	if strings.TrimSpace(def.Handler) == "" {
		return errors.New("job handler is required")
	}
	return nil
}
