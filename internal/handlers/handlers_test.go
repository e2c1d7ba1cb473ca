package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "solocron/pkg/logx"
)

func TestHeartbeatReturnsNil(t *testing.T) {
	t.Parallel()
	fn := Heartbeat(logx.Nop())
	if err := fn(context.Background()); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
}

func TestSleepHonorsCancellation(t *testing.T) {
	t.Parallel()
	fn := Sleep(time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("sleep did not stop on cancellation")
	}
}

func TestSleepCompletes(t *testing.T) {
	t.Parallel()
	if err := Sleep(time.Millisecond)(context.Background()); err != nil {
		t.Fatalf("sleep: %v", err)
	}
}
