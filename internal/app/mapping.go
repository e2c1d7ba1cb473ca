package app

import (
	"strings"
	"time"

	"solocron/internal/config"
	"solocron/internal/scheduler"
	"solocron/internal/storage"
	logx "solocron/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	console := true
	if cfg.Logging.Console != nil {
		console = *cfg.Logging.Console
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := cfg.Storage.BusyTimeoutOr(5 * time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = "./solocron.db"
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        path,
		BusyTimeout: busy,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tick, err := cfg.Scheduler.TickIntervalOr(time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	timeout, err := cfg.Scheduler.DefaultTimeoutDuration()
	if err != nil {
		return scheduler.Config{}, err
	}
	misfire, err := cfg.Scheduler.MisfireThresholdOr(time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	grace, err := cfg.Scheduler.StopGraceOr(5 * time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		TickInterval:     tick,
		Workers:          cfg.Scheduler.Workers,
		QueueSize:        cfg.Scheduler.QueueSize,
		DefaultTimeout:   timeout,
		MisfireThreshold: misfire,
		HistorySize:      cfg.Scheduler.HistorySize,
		Timezone:         cfg.Scheduler.Timezone,
		StopGrace:        grace,
	}, nil
}
