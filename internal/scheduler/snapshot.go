package scheduler

import (
	"context"

	"solocron/internal/storage"
	logx "solocron/pkg/logx"
)

// Snapshot assembles a point-in-time diagnostic view: loop configuration,
// queue pressure and per-job schedule positions. It is advisory; nothing
// here blocks the tick goroutine.
func (l *Loop) Snapshot(ctx context.Context) Snapshot {
	l.mu.Lock()
	cfg := l.cfg
	loc := l.loc
	running := l.stopCh != nil
	queue := l.queue
	l.mu.Unlock()

	snap := Snapshot{
		Running:      running,
		TickInterval: cfg.TickInterval,
		Timezone:     loc.String(),
		Workers:      cfg.Workers,
		InFlight:     l.inflightCount(),
		History:      l.History(),
	}
	if queue != nil {
		snap.QueueLen = len(queue)
		snap.QueueCap = cap(queue)
	}

	jobs, err := l.store.ListJobs(ctx, storage.JobFilter{})
	if err != nil {
		l.log.Warn("snapshot: list jobs failed", logx.Err(err))
		return snap
	}
	snap.Jobs = make([]ScheduleInfo, 0, len(jobs))
	for _, job := range jobs {
		info := ScheduleInfo{
			JobID:    job.ID,
			Schedule: job.Schedule,
			Handler:  job.Handler,
			Enabled:  job.Enabled,
		}
		if st, err := l.store.LoadState(ctx, job.ID); err == nil {
			info.Next = st.NextFire
			info.Last = st.LastFire
			info.Misfires = st.MisfireCount
		}
		snap.Jobs = append(snap.Jobs, info)
	}
	return snap
}
