package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"solocron/internal/eventbus"
	"solocron/internal/storage"
	logx "solocron/pkg/logx"
)

const (
	completeMaxAttempts = 8
	completeBaseDelay   = 500 * time.Millisecond
	completeMaxDelay    = 15 * time.Second
)

// worker drains the dispatch queue until it is closed. Workers never watch
// the stop signal directly: queued dispatches already hold a running
// execution record, so they must be run (or failed), not dropped.
func (l *Loop) worker(ctx context.Context, queue <-chan dispatch, idx int) {
	defer l.workerWG.Done()
	for d := range queue {
		l.execOne(ctx, d, idx)
	}
}

func (l *Loop) execOne(ctx context.Context, d dispatch, idx int) {
	start := time.Now()
	log := l.log.With(
		logx.String("job", d.job.ID),
		logx.String("execution", d.tok.ExecutionID),
		logx.Int("worker", idx))

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if d.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, d.timeout)
	}
	err := runBody(runCtx, d.fn, log)
	cancel()

	outcome := storage.OutcomeSuccess
	if err != nil {
		outcome = storage.OutcomeFailure
	}
	l.finalize(d, start, outcome, err)
	l.untrackInflight(d.tok.ExecutionID)
}

// runBody invokes the job body with panic isolation. A panicking job fails
// its own execution and nothing else.
func runBody(ctx context.Context, fn JobFunc, log logx.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
			log.Error("job panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return fn(ctx)
}

// finalize persists the execution outcome and records it in history and on
// the event bus. Persistence uses a fresh background context with bounded
// retries so a completed run survives both shutdown and a short store
// outage.
func (l *Loop) finalize(d dispatch, start time.Time, outcome storage.Outcome, runErr error) {
	delay := completeBaseDelay
	for attempt := 1; ; attempt++ {
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err := l.trk.Complete(cctx, d.tok, outcome, runErr)
		cancel()
		if err == nil {
			break
		}
		if attempt >= completeMaxAttempts {
			l.log.Error("giving up persisting completion",
				logx.String("job", d.job.ID),
				logx.String("execution", d.tok.ExecutionID),
				logx.Int("attempts", attempt),
				logx.Err(err))
			break
		}
		l.log.Warn("completion persist failed, retrying",
			logx.String("job", d.job.ID),
			logx.Duration("backoff", delay),
			logx.Err(err))
		time.Sleep(delay)
		delay *= 2
		if delay > completeMaxDelay {
			delay = completeMaxDelay
		}
	}

	dur := time.Since(start)
	errDetail := ""
	if runErr != nil {
		errDetail = runErr.Error()
	}
	l.appendHistory(HistoryItem{
		JobID:       d.job.ID,
		ExecutionID: d.tok.ExecutionID,
		FireTime:    d.fireTime,
		Started:     start,
		Duration:    dur,
		Outcome:     outcome,
		Error:       errDetail,
	})

	if runErr != nil {
		l.log.Warn("job failed",
			logx.String("job", d.job.ID),
			logx.String("execution", d.tok.ExecutionID),
			logx.Duration("took", dur),
			logx.Err(runErr))
	} else {
		l.log.Info("job completed",
			logx.String("job", d.job.ID),
			logx.String("execution", d.tok.ExecutionID),
			logx.Duration("took", dur))
	}

	if l.bus != nil {
		l.bus.Publish(eventbus.Event{Type: eventbus.TypeCompleted, Job: eventbus.JobEvent{
			JobID:       d.job.ID,
			ExecutionID: d.tok.ExecutionID,
			FireTime:    d.fireTime,
			Outcome:     string(outcome),
			Duration:    dur,
			Error:       errDetail,
		}})
	}
}

func (l *Loop) appendHistory(item HistoryItem) {
	l.hmu.Lock()
	defer l.hmu.Unlock()
	l.history = append(l.history, item)
	if max := l.historySize(); len(l.history) > max {
		l.history = l.history[len(l.history)-max:]
	}
}

func (l *Loop) historySize() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.HistorySize
}
