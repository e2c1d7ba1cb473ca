package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"solocron/internal/eventbus"
	"solocron/internal/storage"
	"solocron/internal/tracker"
	"solocron/internal/trigger"
	logx "solocron/pkg/logx"
)

// Loop is the single coordinating scheduler. One instance per process,
// owned by the lifecycle guard.
type Loop struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	trk   *tracker.Tracker
	reg   *Registry

	queue    chan dispatch
	stopCh   chan struct{}
	tickDone chan struct{}
	stopDone chan struct{}
	workerWG sync.WaitGroup

	// Throttles repeated store-outage warnings so a down store does not
	// flood the log at tick frequency.
	storeWarn *rate.Limiter

	imu      sync.Mutex
	inflight map[string]eventbus.JobEvent // execution id -> event seed

	hmu     sync.Mutex
	history []HistoryItem
}

func New(store storage.Store, trk *tracker.Tracker, reg *Registry, cfg Config, log logx.Logger, bus eventbus.Bus) *Loop {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Loop{
		cfg:       cfg,
		log:       log,
		bus:       bus,
		store:     store,
		trk:       trk,
		reg:       reg,
		loc:       loadLocation(cfg.Timezone, log),
		storeWarn: rate.NewLimiter(rate.Every(5*time.Second), 1),
		inflight:  map[string]eventbus.JobEvent{},
	}
}

// Start launches the tick goroutine and the worker pool. It is idempotent;
// a second call while running is a no-op.
func (l *Loop) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	l.mu.Lock()
	if l.stopCh != nil {
		// If a stop is in progress, wait for it before restarting.
		done := l.stopDone
		l.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		l.mu.Lock()
		if l.stopCh != nil {
			l.mu.Unlock()
			return
		}
	}
	cfg := l.cfg
	l.queue = make(chan dispatch, cfg.QueueSize)
	l.stopCh = make(chan struct{})
	l.tickDone = make(chan struct{})

	queue := l.queue
	stopCh := l.stopCh
	tickDone := l.tickDone
	loc := l.loc
	l.workerWG.Add(cfg.Workers)
	l.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		go l.worker(ctx, queue, i)
	}
	go l.run(ctx, stopCh, tickDone, queue)

	l.log.Info("loop started",
		logx.Int("workers", cfg.Workers),
		logx.Duration("tick", cfg.TickInterval),
		logx.String("tz", loc.String()))
}

// Stop signals the loop to finish its current tick, stops new dispatch and
// waits for in-flight work until ctx expires. Stragglers are detached, not
// cancelled: they keep running and still persist their completions.
func (l *Loop) Stop(ctx context.Context) {
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), l.stopGrace())
		defer cancel()
	}

	l.mu.Lock()
	if l.stopCh == nil {
		l.mu.Unlock()
		return
	}
	if l.stopDone != nil {
		done := l.stopDone
		l.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	l.stopDone = done
	stopCh := l.stopCh
	tickDone := l.tickDone
	queue := l.queue
	l.mu.Unlock()

	start := time.Now()
	l.log.Info("stop requested")

	close(stopCh)
	// The current tick completes before tickDone closes, so nothing can
	// enqueue after this point.
	<-tickDone
	close(queue)

	go func() {
		l.workerWG.Wait()
		l.mu.Lock()
		l.stopCh = nil
		l.queue = nil
		l.tickDone = nil
		l.stopDone = nil
		l.mu.Unlock()
		close(done)
		l.log.Info("loop stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		l.abandonInflight()
	}
}

// Apply swaps loop configuration at runtime. Tick interval, misfire
// threshold and timezone take effect immediately; worker pool sizing
// applies on the next start.
func (l *Loop) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	l.mu.Lock()
	prev := l.cfg
	l.cfg = cfg
	if strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone) {
		l.loc = loadLocation(cfg.Timezone, l.log)
	}
	running := l.stopCh != nil
	l.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		l.log.Info("worker pool changes apply on next restart",
			logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
	}
}

// run is the tick driver. The first evaluation happens immediately so an
// overdue fire time left over from a previous process runs once at boot.
func (l *Loop) run(ctx context.Context, stopCh <-chan struct{}, tickDone chan<- struct{}, queue chan dispatch) {
	defer close(tickDone)

	l.tick(ctx, time.Now(), queue)

	t := time.NewTimer(l.tickInterval())
	defer t.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case now := <-t.C:
			l.tick(ctx, now, queue)
			// Re-read the interval so Apply() takes effect next tick.
			t.Reset(l.tickInterval())
		}
	}
}

// tick evaluates every due job once. A store outage skips the whole tick;
// nothing is marked failed for that, the next tick simply retries.
func (l *Loop) tick(ctx context.Context, now time.Time, queue chan dispatch) {
	due, err := l.store.ListDue(ctx, now)
	if err != nil {
		if l.storeWarn.Allow() {
			l.log.Warn("store unavailable, skipping tick", logx.Err(err))
		}
		return
	}
	for _, d := range due {
		l.evaluate(ctx, now, d, queue)
	}
}

func (l *Loop) evaluate(ctx context.Context, now time.Time, due storage.DueJob, queue chan dispatch) {
	job := due.Job
	intended := due.State.NextFire
	log := l.log.With(logx.String("job", job.ID))

	spec, err := trigger.ParseSchedule(job.Schedule, l.location())
	if err != nil {
		// A definition that no longer parses would re-fire every tick;
		// park it until the definition is fixed.
		log.Error("invalid schedule, parking job", logx.String("schedule", job.Schedule), logx.Err(err))
		st := due.State
		st.NextFire = time.Time{}
		if serr := l.store.SaveState(ctx, st); serr != nil && l.storeWarn.Allow() {
			log.Warn("state save failed", logx.Err(serr))
		}
		return
	}
	spec.Anchor = job.CreatedAt
	spec.Until = job.Until

	tok, err := l.trk.TryBegin(ctx, job.ID)
	if errors.Is(err, tracker.ErrBusy) {
		// The previous run is still going; this fire becomes a skip, and
		// the schedule advances so the skip happens once, not every tick.
		l.recordSkip(job, intended)
		l.advance(ctx, now, due, spec)
		return
	}
	if err != nil {
		if l.storeWarn.Allow() {
			log.Warn("begin failed, retrying next tick", logx.Err(err))
		}
		return
	}

	fn := l.reg.Resolve(job.Handler)
	if fn == nil {
		log.Error("no handler registered", logx.String("handler", job.Handler))
		// Finalize off the tick goroutine; its persistence retries must not
		// stall evaluation of the other due jobs.
		go l.finalize(dispatch{job: job, tok: tok, fireTime: intended}, now,
			storage.OutcomeFailure, fmt.Errorf("no handler registered for %q", job.Handler))
		l.advance(ctx, now, due, spec)
		return
	}

	l.advance(ctx, now, due, spec)

	d := dispatch{job: job, tok: tok, fn: fn, fireTime: intended, timeout: l.defaultTimeout()}
	l.trackInflight(d)
	select {
	case queue <- d:
		if l.bus != nil {
			l.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatched, Job: eventbus.JobEvent{
				JobID: job.ID, ExecutionID: tok.ExecutionID, FireTime: intended,
			}})
		}
	default:
		// Pool saturated: fail the record rather than leaving a running
		// execution behind forever. Finalize off the tick goroutine so its
		// persistence retries cannot stall the next ticks.
		l.untrackInflight(tok.ExecutionID)
		go l.finalize(d, now, storage.OutcomeFailure, errors.New("worker queue full"))
		if l.storeWarn.Allow() {
			log.Warn("worker queue full, dropping dispatch")
		}
	}
}

// advance moves the job's schedule state past this fire. next_fire is
// recomputed from "now" rather than the missed instant, so a stalled loop
// catches up with at most one run. Misfire accounting is observability
// only.
func (l *Loop) advance(ctx context.Context, now time.Time, due storage.DueJob, spec trigger.Spec) {
	st := due.State
	intended := st.NextFire
	st.LastFire = now
	if !intended.IsZero() {
		if gap := now.Sub(intended); gap > l.misfireThreshold() {
			st.MisfireCount++
			l.log.Debug("misfire", logx.String("job", st.JobID), logx.Duration("gap", gap))
		}
	}

	if next, ok := spec.Next(now); ok {
		st.NextFire = next
	} else {
		st.NextFire = time.Time{}
		l.log.Info("schedule exhausted", logx.String("job", st.JobID))
	}

	// If this save fails the job looks due again next tick; the begin gate
	// turns that into a skip, never a duplicate run.
	if err := l.store.SaveState(ctx, st); err != nil && l.storeWarn.Allow() {
		l.log.Warn("state save failed", logx.String("job", st.JobID), logx.Err(err))
	}
}

func (l *Loop) recordSkip(job storage.JobDefinition, intended time.Time) {
	now := time.Now()
	l.log.Info("skipped duplicate run", logx.String("job", job.ID), logx.Time("fire_time", intended))
	l.appendHistory(HistoryItem{
		JobID:    job.ID,
		FireTime: intended,
		Started:  now,
		Outcome:  storage.OutcomeSkippedDuplicate,
	})
	if l.bus != nil {
		l.bus.Publish(eventbus.Event{Type: eventbus.TypeSkipped, Time: now, Job: eventbus.JobEvent{
			JobID: job.ID, FireTime: intended, Outcome: string(storage.OutcomeSkippedDuplicate),
		}})
	}
}

// ---- inflight accounting ----

func (l *Loop) trackInflight(d dispatch) {
	l.imu.Lock()
	l.inflight[d.tok.ExecutionID] = eventbus.JobEvent{
		JobID: d.job.ID, ExecutionID: d.tok.ExecutionID, FireTime: d.fireTime,
	}
	l.imu.Unlock()
}

func (l *Loop) untrackInflight(executionID string) {
	l.imu.Lock()
	delete(l.inflight, executionID)
	l.imu.Unlock()
}

func (l *Loop) inflightCount() int {
	l.imu.Lock()
	n := len(l.inflight)
	l.imu.Unlock()
	return n
}

// abandonInflight reports dispatches that outlived the stop grace period.
// The workers running them are detached, not killed; each record is still
// finalized whenever its body returns.
func (l *Loop) abandonInflight() {
	l.imu.Lock()
	left := make([]eventbus.JobEvent, 0, len(l.inflight))
	for _, ev := range l.inflight {
		left = append(left, ev)
	}
	l.imu.Unlock()

	for _, ev := range left {
		l.log.Warn("abandoning in-flight job past stop grace",
			logx.String("job", ev.JobID), logx.String("execution", ev.ExecutionID))
		if l.bus != nil {
			l.bus.Publish(eventbus.Event{Type: eventbus.TypeAbandoned, Job: ev})
		}
	}
}

// ---- config access ----

func (l *Loop) tickInterval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.TickInterval
}

func (l *Loop) misfireThreshold() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.MisfireThreshold
}

func (l *Loop) defaultTimeout() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.DefaultTimeout
}

func (l *Loop) stopGrace() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.StopGrace
}

func (l *Loop) location() *time.Location {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loc
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
