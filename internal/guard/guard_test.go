package guard

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"solocron/internal/eventbus"
	"solocron/internal/scheduler"
	"solocron/internal/storage"
	"solocron/internal/tracker"
	logx "solocron/pkg/logx"
)

func testGuard(t *testing.T) *Guard {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "guard.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	loop := scheduler.New(st, tracker.New(st, logx.Nop()), scheduler.NewRegistry(),
		scheduler.Config{TickInterval: 10 * time.Millisecond}, logx.Nop(), eventbus.New())
	return New(loop, time.Second, logx.Nop())
}

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()
	g := testGuard(t)
	ctx := context.Background()

	g.Start(ctx)
	g.Start(ctx)
	g.Start(ctx)
	if !g.Running() {
		t.Fatalf("state = %v, want running", g.State())
	}
	g.Stop(0)
	if g.State() != StateIdle {
		t.Fatalf("state after stop = %v, want idle", g.State())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()
	g := testGuard(t)
	g.Start(context.Background())

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		go func() {
			defer wg.Done()
			g.Stop(0)
		}()
	}
	wg.Wait()
	if g.State() != StateIdle {
		t.Fatalf("state = %v, want idle", g.State())
	}
	// Stop without a prior start is a no-op.
	g.Stop(0)
}

func TestRestartAfterStop(t *testing.T) {
	t.Parallel()
	g := testGuard(t)
	ctx := context.Background()

	g.Start(ctx)
	g.Stop(0)
	g.Start(ctx)
	if !g.Running() {
		t.Fatal("expected guard running after restart")
	}
	g.Stop(0)
}

func TestStateString(t *testing.T) {
	t.Parallel()
	if StateIdle.String() != "idle" || StateRunning.String() != "running" || StateStopping.String() != "stopping" {
		t.Fatal("state strings drifted")
	}
}
