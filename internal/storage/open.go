package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "solocron/pkg/logx"
)

// Store is the persistence contract shared by both drivers.
//
// All mutations are durable before the call returns. Writers to the same
// job id serialize; a losing concurrent UpdateJob gets ErrConflict.
type Store interface {
	// Job definitions.
	AddJob(ctx context.Context, def JobDefinition) error
	UpsertJob(ctx context.Context, def JobDefinition) error
	UpdateJob(ctx context.Context, def JobDefinition) (JobDefinition, error)
	RemoveJob(ctx context.Context, id string) error
	GetJob(ctx context.Context, id string) (JobDefinition, error)
	ListJobs(ctx context.Context, f JobFilter) ([]JobDefinition, error)

	// Schedule state.
	LoadState(ctx context.Context, jobID string) (ScheduleState, error)
	SaveState(ctx context.Context, st ScheduleState) error
	// ListDue returns enabled jobs whose next_fire is set and <= now,
	// ordered by job id (the loop's stable dispatch order).
	ListDue(ctx context.Context, now time.Time) ([]DueJob, error)

	// Execution records.
	//
	// BeginExecution is the atomic "try begin": it inserts rec only if no
	// running record exists for rec.JobID, otherwise returns ErrBusy.
	// FinishExecution is idempotent; finalizing an already-final record is
	// a no-op that returns the prior result.
	BeginExecution(ctx context.Context, rec ExecutionRecord) error
	FinishExecution(ctx context.Context, id string, finishedAt time.Time, outcome Outcome, errDetail string) (ExecutionRecord, error)
	GetExecution(ctx context.Context, id string) (ExecutionRecord, error)
	ListExecutions(ctx context.Context, jobID string, limit int) ([]ExecutionRecord, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
