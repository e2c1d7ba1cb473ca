// Package guard owns the scheduler's process lifecycle: exactly one
// running loop per process, idempotent start, bounded-grace stop.
package guard

import (
	"context"
	"sync"
	"time"

	"solocron/internal/scheduler"
	logx "solocron/pkg/logx"
)

type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "idle"
	}
}

type Guard struct {
	mu    sync.Mutex
	state State

	loop  *scheduler.Loop
	grace time.Duration
	log   logx.Logger
}

func New(loop *scheduler.Loop, grace time.Duration, log logx.Logger) *Guard {
	if log.IsZero() {
		log = logx.Nop()
	}
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Guard{loop: loop, grace: grace, log: log}
}

// Start brings the loop up. Calling Start while already running is a
// no-op; calling it during a stop waits for the stop to finish first.
// ctx is the lifetime handed to job bodies, so pass a context that is NOT
// cancelled by the shutdown signal; Stop bounds the wait instead.
func (g *Guard) Start(ctx context.Context) {
	g.mu.Lock()
	if g.state == StateRunning {
		g.mu.Unlock()
		g.log.Debug("start ignored, already running")
		return
	}
	g.state = StateRunning
	g.mu.Unlock()

	g.loop.Start(ctx)
}

// Stop shuts the loop down, waiting up to grace for in-flight jobs.
// grace <= 0 uses the guard's default. Stop is idempotent; concurrent
// calls collapse onto the same shutdown.
func (g *Guard) Stop(grace time.Duration) {
	g.mu.Lock()
	if g.state == StateIdle {
		g.mu.Unlock()
		return
	}
	g.state = StateStopping
	if grace <= 0 {
		grace = g.grace
	}
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	g.loop.Stop(ctx)

	g.mu.Lock()
	g.state = StateIdle
	g.mu.Unlock()
}

func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Guard) Running() bool { return g.State() == StateRunning }
