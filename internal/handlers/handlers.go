// Package handlers holds the built-in job bodies the daemon registers out
// of the box. Embedding processes register their own alongside these.
package handlers

import (
	"context"
	"runtime"
	"time"

	"solocron/internal/scheduler"
	logx "solocron/pkg/logx"
)

// Heartbeat logs a liveness line. Useful as the first job in a fresh
// deployment to confirm the loop, store and worker pool are all moving.
func Heartbeat(log logx.Logger) scheduler.JobFunc {
	start := time.Now()
	return func(ctx context.Context) error {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		log.Info("heartbeat",
			logx.Duration("uptime", time.Since(start).Round(time.Second)),
			logx.Int("goroutines", runtime.NumGoroutine()),
			logx.Uint64("heap_kb", m.HeapAlloc/1024))
		return nil
	}
}

// Sleep runs for d honoring cancellation. It exists for smoke-testing
// duplicate suppression and stop-grace behavior against a live daemon.
func Sleep(d time.Duration) scheduler.JobFunc {
	return func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
			return nil
		}
	}
}
