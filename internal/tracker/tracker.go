// Package tracker gates job executions so that at most one run per job id
// is in flight at any instant, no matter how many callers race.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"solocron/internal/storage"
	logx "solocron/pkg/logx"
)

// ErrBusy means another execution of the same job is still running. It is
// not a failure: the caller records a skipped-duplicate and moves on.
var ErrBusy = errors.New("job execution already in flight")

// Token proves that TryBegin won the begin race for a job. It is required
// to finalize the execution.
type Token struct {
	ExecutionID string
	JobID       string
	StartedAt   time.Time
}

func (t Token) valid() bool { return t.ExecutionID != "" && t.JobID != "" }

type Tracker struct {
	store storage.Store
	log   logx.Logger
}

func New(store storage.Store, log logx.Logger) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{store: store, log: log}
}

// TryBegin atomically claims the "running" slot for jobID. Exactly one
// concurrent caller wins; the rest get ErrBusy and must not run the job
// body. The claim is a single conditional store insert, so the guarantee
// holds across goroutines and across processes sharing the store.
func (t *Tracker) TryBegin(ctx context.Context, jobID string) (Token, error) {
	rec := storage.ExecutionRecord{
		ID:        uuid.NewString(),
		JobID:     jobID,
		StartedAt: time.Now(),
	}
	if err := t.store.BeginExecution(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrBusy) {
			return Token{}, ErrBusy
		}
		return Token{}, fmt.Errorf("begin execution for job %q: %w", jobID, err)
	}
	t.log.Debug("execution started", logx.String("job", jobID), logx.String("execution", rec.ID))
	return Token{ExecutionID: rec.ID, JobID: jobID, StartedAt: rec.StartedAt}, nil
}

// Complete finalizes the execution behind tok. Calling it twice with the
// same token is a no-op returning the previously recorded result.
func (t *Tracker) Complete(ctx context.Context, tok Token, outcome storage.Outcome, runErr error) (storage.ExecutionRecord, error) {
	if !tok.valid() {
		return storage.ExecutionRecord{}, errors.New("invalid execution token")
	}
	detail := ""
	if runErr != nil {
		detail = runErr.Error()
	}
	rec, err := t.store.FinishExecution(ctx, tok.ExecutionID, time.Now(), outcome, detail)
	if err != nil {
		return storage.ExecutionRecord{}, fmt.Errorf("finish execution %q: %w", tok.ExecutionID, err)
	}
	return rec, nil
}

// Running reports whether jobID currently has an execution in flight.
func (t *Tracker) Running(ctx context.Context, jobID string) (bool, error) {
	recs, err := t.store.ListExecutions(ctx, jobID, 1)
	if err != nil {
		return false, err
	}
	return len(recs) > 0 && recs[0].Running(), nil
}
