package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"solocron/internal/app"
	"solocron/internal/handlers"
	logx "solocron/pkg/logx"
)

func main() {
	var (
		cfgPath string
		grace   time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./solocron.yaml", "path to config file (yaml or json)")
	flag.DurationVar(&grace, "stop-grace", 0, "override shutdown grace period (0 = from config)")
	flag.Parse()

	sigCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	log := a.Logger()
	if err := a.Handlers().Register("heartbeat", handlers.Heartbeat(log.With(logx.String("comp", "heartbeat")))); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	// Job bodies get a lifetime independent of the shutdown signal; Stop's
	// grace period bounds the wait instead of cancelling them mid-run.
	if err := a.Start(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	<-sigCtx.Done()
	log.Info("shutdown signal received")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.Stop(grace)
}
