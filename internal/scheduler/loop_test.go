package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"solocron/internal/eventbus"
	"solocron/internal/storage"
	"solocron/internal/tracker"
	logx "solocron/pkg/logx"
)

func testLoop(t *testing.T, cfg Config) (*Loop, *Registry, storage.Store, eventbus.Bus) {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "loop.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New()
	reg := NewRegistry()
	trk := tracker.New(st, logx.Nop())
	loop := New(st, trk, reg, cfg, logx.Nop(), bus)
	return loop, reg, st, bus
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestLoopRunsDueJob(t *testing.T) {
	t.Parallel()
	loop, reg, st, _ := testLoop(t, Config{TickInterval: 10 * time.Millisecond})
	ctx := context.Background()

	var runs atomic.Int32
	if err := reg.Register("count", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := loop.AddJob(ctx, storage.JobDefinition{
		ID: "counter", Schedule: "30ms", Handler: "count", Enabled: true,
	}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	loop.Start(ctx)
	defer loop.Stop(nil)

	waitFor(t, 3*time.Second, func() bool { return runs.Load() >= 2 }, "two runs")

	waitFor(t, time.Second, func() bool {
		recs, err := st.ListExecutions(ctx, "counter", 10)
		if err != nil {
			return false
		}
		done := 0
		for _, r := range recs {
			if !r.Running() && r.Outcome == storage.OutcomeSuccess {
				done++
			}
		}
		return done >= 2
	}, "persisted successful executions")

	state, err := st.LoadState(ctx, "counter")
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if state.NextFire.IsZero() {
		t.Fatal("expected next fire to stay scheduled")
	}
}

func TestLoopSkipsDuplicateWhileRunning(t *testing.T) {
	t.Parallel()
	loop, reg, st, bus := testLoop(t, Config{TickInterval: 10 * time.Millisecond})
	ctx := context.Background()

	events, unsub := bus.Subscribe(64)
	defer unsub()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	if err := reg.Register("slow", func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := loop.AddJob(ctx, storage.JobDefinition{
		ID: "slow-job", Schedule: "30ms", Handler: "slow", Enabled: true,
	}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	loop.Start(ctx)
	defer func() {
		close(release)
		loop.Stop(nil)
	}()

	<-started

	// Wait until at least one later fire instant was evaluated and skipped.
	var sawSkip bool
	deadline := time.After(3 * time.Second)
	for !sawSkip {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TypeSkipped && ev.Job.JobID == "slow-job" {
				sawSkip = true
			}
		case <-deadline:
			t.Fatal("no skip event observed")
		}
	}

	// The skip produced no second execution record; the running one is alone.
	recs, err := st.ListExecutions(ctx, "slow-job", 10)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(recs) != 1 || !recs[0].Running() {
		t.Fatalf("executions = %+v, want exactly one running record", recs)
	}

	found := false
	for _, h := range loop.History() {
		if h.JobID == "slow-job" && h.Outcome == storage.OutcomeSkippedDuplicate {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a skipped_duplicate history entry")
	}
}

func TestFailingJobDoesNotStopOthers(t *testing.T) {
	t.Parallel()
	loop, reg, st, _ := testLoop(t, Config{TickInterval: 10 * time.Millisecond, Workers: 2})
	ctx := context.Background()

	var good atomic.Int32
	if err := reg.Register("bad", func(ctx context.Context) error {
		return errors.New("always broken")
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register("panicky", func(ctx context.Context) error {
		panic("kaboom")
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register("good", func(ctx context.Context) error {
		good.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	for id, handler := range map[string]string{"a-bad": "bad", "b-panicky": "panicky", "c-good": "good"} {
		if err := loop.AddJob(ctx, storage.JobDefinition{
			ID: id, Schedule: "30ms", Handler: handler, Enabled: true,
		}); err != nil {
			t.Fatalf("AddJob(%s): %v", id, err)
		}
	}

	loop.Start(ctx)
	defer loop.Stop(nil)

	waitFor(t, 3*time.Second, func() bool { return good.Load() >= 3 }, "good job surviving bad neighbors")

	waitFor(t, time.Second, func() bool {
		recs, err := st.ListExecutions(ctx, "a-bad", 5)
		if err != nil || len(recs) == 0 {
			return false
		}
		return !recs[0].Running() && recs[0].Outcome == storage.OutcomeFailure && recs[0].Error != ""
	}, "failure outcome persisted")

	waitFor(t, time.Second, func() bool {
		recs, err := st.ListExecutions(ctx, "b-panicky", 5)
		if err != nil || len(recs) == 0 {
			return false
		}
		return !recs[0].Running() && recs[0].Outcome == storage.OutcomeFailure
	}, "panic recorded as failure")
}

func TestStopDetachesStragglers(t *testing.T) {
	t.Parallel()
	loop, reg, st, bus := testLoop(t, Config{TickInterval: 10 * time.Millisecond})
	ctx := context.Background()

	events, unsub := bus.Subscribe(256)
	defer unsub()

	started := make(chan struct{}, 1)
	if err := reg.Register("straggler", func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(500 * time.Millisecond) // ignores cancellation on purpose
		return nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := loop.AddJob(ctx, storage.JobDefinition{
		ID: "straggler-job", Schedule: "30ms", Handler: "straggler", Enabled: true,
	}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	loop.Start(ctx)
	<-started

	stopCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	begun := time.Now()
	loop.Stop(stopCtx)
	if took := time.Since(begun); took > 400*time.Millisecond {
		t.Fatalf("Stop blocked for %v, want bounded by grace", took)
	}

	sawAbandon := false
	deadline := time.After(time.Second)
	for !sawAbandon {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TypeAbandoned && ev.Job.JobID == "straggler-job" {
				sawAbandon = true
			}
		case <-deadline:
			t.Fatal("no abandoned event observed")
		}
	}

	// The detached run still persists its completion once the body returns.
	waitFor(t, 2*time.Second, func() bool {
		recs, err := st.ListExecutions(ctx, "straggler-job", 5)
		if err != nil || len(recs) == 0 {
			return false
		}
		return !recs[0].Running() && recs[0].Outcome == storage.OutcomeSuccess
	}, "straggler completion persisted after stop")
}

func TestOverdueFireCatchesUpExactlyOnce(t *testing.T) {
	t.Parallel()
	loop, reg, st, _ := testLoop(t, Config{TickInterval: 10 * time.Millisecond})
	ctx := context.Background()

	var runs atomic.Int32
	if err := reg.Register("count", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Seed the store the way a previous process would have left it: the
	// definition plus a next_fire ten intervals in the past.
	if err := st.AddJob(ctx, storage.JobDefinition{
		ID: "lagged", Schedule: "1m", Handler: "count", Enabled: true,
	}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := st.SaveState(ctx, storage.ScheduleState{
		JobID: "lagged", NextFire: time.Now().Add(-10 * time.Minute),
	}); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	loop.Start(ctx)
	defer loop.Stop(nil)

	waitFor(t, 3*time.Second, func() bool { return runs.Load() == 1 }, "catch-up run")

	// Let a dozen more ticks pass: the ten missed instants must not burst.
	time.Sleep(150 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want exactly 1", got)
	}

	waitFor(t, time.Second, func() bool {
		recs, err := st.ListExecutions(ctx, "lagged", 10)
		if err != nil || len(recs) != 1 {
			return false
		}
		return !recs[0].Running() && recs[0].Outcome == storage.OutcomeSuccess
	}, "a single persisted execution")

	state, err := st.LoadState(ctx, "lagged")
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	// next_fire was recomputed from the catch-up instant, not from the
	// missed one, so it sits roughly a full interval in the future.
	if !state.NextFire.After(time.Now().Add(30 * time.Second)) {
		t.Fatalf("NextFire = %v, want recomputed from now", state.NextFire)
	}
	if state.MisfireCount != 1 {
		t.Fatalf("MisfireCount = %d, want 1", state.MisfireCount)
	}
}

func TestAddJobKeepsOverdueStateAcrossReRegistration(t *testing.T) {
	t.Parallel()
	loop, reg, st, _ := testLoop(t, Config{})
	ctx := context.Background()
	if err := reg.Register("noop", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Register: %v", err)
	}

	def := storage.JobDefinition{ID: "job", Schedule: "1h", Handler: "noop", Enabled: true}
	if err := loop.AddJob(ctx, def); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	// Simulate a fire instant missed while the process was down.
	overdue := time.Now().Add(-10 * time.Minute)
	if err := st.SaveState(ctx, storage.ScheduleState{JobID: "job", NextFire: overdue}); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	// Same schedule: the overdue state must survive so it catches up once.
	if err := loop.AddJob(ctx, def); err != nil {
		t.Fatalf("re-AddJob: %v", err)
	}
	state, err := st.LoadState(ctx, "job")
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if !state.NextFire.Equal(overdue) {
		t.Fatalf("NextFire = %v, want preserved %v", state.NextFire, overdue)
	}

	// A changed schedule recomputes from now.
	def.Schedule = "30m"
	if err := loop.AddJob(ctx, def); err != nil {
		t.Fatalf("AddJob(changed): %v", err)
	}
	state, err = st.LoadState(ctx, "job")
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if !state.NextFire.After(time.Now()) {
		t.Fatalf("NextFire = %v, want recomputed into the future", state.NextFire)
	}
}

func TestAddJobRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	loop, _, _, _ := testLoop(t, Config{})
	err := loop.AddJob(context.Background(), storage.JobDefinition{
		ID: "bad", Schedule: "gibberish", Handler: "noop", Enabled: true,
	})
	if err == nil {
		t.Fatal("expected schedule parse error")
	}
}

func TestSetEnabledStopsDispatch(t *testing.T) {
	t.Parallel()
	loop, reg, st, _ := testLoop(t, Config{})
	ctx := context.Background()
	if err := reg.Register("noop", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := loop.AddJob(ctx, storage.JobDefinition{
		ID: "job", Schedule: "1h", Handler: "noop", Enabled: true,
	}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := st.SaveState(ctx, storage.ScheduleState{JobID: "job", NextFire: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	if err := loop.SetEnabled(ctx, "job", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	due, err := st.ListDue(ctx, time.Now())
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("disabled job still due: %+v", due)
	}

	// State survives the disable and the job is due again once re-enabled.
	if err := loop.SetEnabled(ctx, "job", true); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	due, err = st.ListDue(ctx, time.Now())
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("re-enabled job not due: %+v", due)
	}
}

func TestUnknownHandlerFailsExecution(t *testing.T) {
	t.Parallel()
	loop, _, st, _ := testLoop(t, Config{TickInterval: 10 * time.Millisecond})
	ctx := context.Background()

	// Registered at AddJob time, gone at dispatch time cannot happen with a
	// Registry, so seed the store directly.
	if err := st.AddJob(ctx, storage.JobDefinition{
		ID: "orphan", Schedule: "1h", Handler: "vanished", Enabled: true,
	}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := st.SaveState(ctx, storage.ScheduleState{JobID: "orphan", NextFire: time.Now().Add(-time.Second)}); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	loop.Start(ctx)
	defer loop.Stop(nil)

	waitFor(t, 3*time.Second, func() bool {
		recs, err := st.ListExecutions(ctx, "orphan", 5)
		if err != nil || len(recs) == 0 {
			return false
		}
		return !recs[0].Running() && recs[0].Outcome == storage.OutcomeFailure
	}, "unknown handler recorded as failure")
}

func TestSnapshotReflectsJobs(t *testing.T) {
	t.Parallel()
	loop, reg, _, _ := testLoop(t, Config{TickInterval: time.Hour, Workers: 3, Timezone: "UTC"})
	ctx := context.Background()
	if err := reg.Register("noop", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Register: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := loop.AddJob(ctx, storage.JobDefinition{
			ID: fmt.Sprintf("job-%d", i), Schedule: "1h", Handler: "noop", Enabled: true,
		}); err != nil {
			t.Fatalf("AddJob: %v", err)
		}
	}

	snap := loop.Snapshot(ctx)
	if snap.Running {
		t.Fatal("loop not started, snapshot says running")
	}
	if snap.Workers != 3 || snap.Timezone != "UTC" {
		t.Fatalf("unexpected snapshot config: %+v", snap)
	}
	if len(snap.Jobs) != 3 {
		t.Fatalf("snapshot jobs = %d, want 3", len(snap.Jobs))
	}
	for _, j := range snap.Jobs {
		if j.Next.IsZero() {
			t.Fatalf("job %s has no next fire in snapshot", j.JobID)
		}
	}
}

// gatedFinishStore stalls completion writes for queue-overflow failures
// until the gate opens, simulating a store that hangs mid-finalize.
type gatedFinishStore struct {
	storage.Store
	gate chan struct{}
	hits atomic.Int32
}

func (s *gatedFinishStore) FinishExecution(ctx context.Context, id string, finishedAt time.Time, outcome storage.Outcome, errDetail string) (storage.ExecutionRecord, error) {
	if errDetail == "worker queue full" {
		s.hits.Add(1)
		<-s.gate
	}
	return s.Store.FinishExecution(ctx, id, finishedAt, outcome, errDetail)
}

func TestQueueFullFinalizeDoesNotStallTicks(t *testing.T) {
	t.Parallel()
	base, err := storage.Open(storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "loop.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = base.Close() })

	st := &gatedFinishStore{Store: base, gate: make(chan struct{})}
	bus := eventbus.New()
	reg := NewRegistry()
	trk := tracker.New(st, logx.Nop())
	loop := New(st, trk, reg, Config{
		TickInterval: 10 * time.Millisecond, Workers: 1, QueueSize: 1,
	}, logx.Nop(), bus)

	events, unsub := bus.Subscribe(256)
	defer unsub()

	release := make(chan struct{})
	if err := reg.Register("block", func(ctx context.Context) error {
		<-release
		return nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx := context.Background()
	for _, id := range []string{"a-block", "b-block", "c-block"} {
		if err := loop.AddJob(ctx, storage.JobDefinition{
			ID: id, Schedule: "30ms", Handler: "block", Enabled: true,
		}); err != nil {
			t.Fatalf("AddJob(%s): %v", id, err)
		}
	}

	loop.Start(ctx)

	// One worker plus a one-slot queue: at least one of the three
	// dispatches overflows, and its failure write blocks on the gate.
	waitFor(t, 3*time.Second, func() bool { return st.hits.Load() >= 1 }, "gated queue-full completion")

	// Evaluation must keep going while that write is stuck: the jobs with
	// running records turn later fires into skips, tick after tick.
	skips := 0
	deadline := time.After(3 * time.Second)
	for skips < 2 {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TypeSkipped {
				skips++
			}
		case <-deadline:
			t.Fatalf("ticks stalled behind a blocked completion write (saw %d skips)", skips)
		}
	}

	close(release)
	close(st.gate)
	loop.Stop(nil)

	// Every record still lands once the store unblocks.
	waitFor(t, 3*time.Second, func() bool {
		for _, id := range []string{"a-block", "b-block", "c-block"} {
			recs, lerr := base.ListExecutions(ctx, id, 10)
			if lerr != nil {
				return false
			}
			for _, r := range recs {
				if r.Running() {
					return false
				}
			}
		}
		return true
	}, "all executions finalized")
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	if err := reg.Register("a", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register("a", func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if err := reg.Register("", func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("expected empty name error")
	}
	if err := reg.Register("b", nil); err == nil {
		t.Fatal("expected nil func error")
	}
	if reg.Resolve("a") == nil {
		t.Fatal("Resolve(a) = nil")
	}
	if reg.Resolve("missing") != nil {
		t.Fatal("Resolve(missing) != nil")
	}
	names := reg.Names()
	if len(names) != 1 || names[0] != "a" {
		t.Fatalf("Names = %v", names)
	}
}
