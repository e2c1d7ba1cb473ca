package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"solocron/internal/storage"
	"solocron/internal/trigger"
	logx "solocron/pkg/logx"
)

// AddJob registers or replaces a job definition and seeds its schedule
// state. Re-registering with an unchanged schedule keeps the existing
// state, so an overdue next_fire survives a process restart and catches up
// exactly once. A new or changed schedule recomputes next_fire from now.
func (l *Loop) AddJob(ctx context.Context, def storage.JobDefinition) error {
	spec, err := trigger.ParseSchedule(def.Schedule, l.location())
	if err != nil {
		return fmt.Errorf("job %q: %w", def.ID, err)
	}

	prev, prevErr := l.store.GetJob(ctx, def.ID)
	if prevErr != nil && !errors.Is(prevErr, storage.ErrNotFound) {
		return prevErr
	}
	if err := l.store.UpsertJob(ctx, def); err != nil {
		return err
	}

	if prevErr == nil && prev.Schedule == def.Schedule {
		if _, serr := l.store.LoadState(ctx, def.ID); serr == nil {
			l.log.Debug("job re-registered, keeping schedule state", logx.String("job", def.ID))
			return nil
		} else if !errors.Is(serr, storage.ErrNotFound) {
			return serr
		}
	}

	stored, err := l.store.GetJob(ctx, def.ID)
	if err != nil {
		return err
	}
	spec.Anchor = stored.CreatedAt
	spec.Until = def.Until

	st := storage.ScheduleState{JobID: def.ID}
	if next, ok := spec.Next(time.Now()); ok {
		st.NextFire = next
	}
	if err := l.store.SaveState(ctx, st); err != nil {
		return err
	}
	l.log.Info("job registered",
		logx.String("job", def.ID),
		logx.String("schedule", def.Schedule),
		logx.Time("next_fire", st.NextFire))
	return nil
}

// RemoveJob deletes the definition and its schedule state. Execution
// records stay behind for audit. An in-flight run keeps going and still
// finalizes its record.
func (l *Loop) RemoveJob(ctx context.Context, id string) error {
	if err := l.store.RemoveJob(ctx, id); err != nil {
		return err
	}
	l.log.Info("job removed", logx.String("job", id))
	return nil
}

// SetEnabled flips the enabled flag with optimistic concurrency. Disabled
// jobs stay stored with their state intact but never appear in the due
// list.
func (l *Loop) SetEnabled(ctx context.Context, id string, enabled bool) error {
	for attempt := 0; attempt < 3; attempt++ {
		def, err := l.store.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if def.Enabled == enabled {
			return nil
		}
		def.Enabled = enabled
		if _, err = l.store.UpdateJob(ctx, def); err == nil {
			l.log.Info("job toggled", logx.String("job", id), logx.Bool("enabled", enabled))
			return nil
		} else if !errors.Is(err, storage.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("toggle job %q: %w", id, storage.ErrConflict)
}

// Executions returns up to limit finished and running records for a job,
// newest first.
func (l *Loop) Executions(ctx context.Context, jobID string, limit int) ([]storage.ExecutionRecord, error) {
	return l.store.ListExecutions(ctx, jobID, limit)
}

// History returns a copy of the in-memory run history, oldest first.
func (l *Loop) History() []HistoryItem {
	l.hmu.Lock()
	defer l.hmu.Unlock()
	out := make([]HistoryItem, len(l.history))
	copy(out, l.history)
	return out
}
