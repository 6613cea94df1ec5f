package app

import (
	"fmt"
	"strings"
	"time"

	"jobflow/internal/api"
	"jobflow/internal/conductor"
	"jobflow/internal/config"
	"jobflow/internal/scheduler"
	"jobflow/internal/storage"
	logx "jobflow/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Alerts: logx.AlertsConfig{
			Enabled:    l.Alerts.Enabled,
			Path:       l.Alerts.Path,
			MinLevel:   l.Alerts.MinLevel,
			RatePerSec: l.Alerts.RatePerSec,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	base, max, err := sc.RefireWindow()
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Workers:    sc.Workers,
		QueueSize:  sc.QueueSize,
		Timezone:   strings.TrimSpace(sc.Timezone),
		MaxRefires: sc.MaxRefires,
		RefireBase: base,
		RefireMax:  max,
	}, nil
}

func mapConductorConfig(cfg *config.Config) (conductor.Config, error) {
	warn, term, err := cfg.Conductor.Intervals()
	if err != nil {
		return conductor.Config{}, err
	}
	return conductor.Config{WarnInterval: warn, TerminateInterval: term}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			path = "./data/history"
		}
		return storage.Config{Driver: "file", Path: path, HistorySize: sc.HistorySize}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, HistorySize: sc.HistorySize}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapAPIConfig(cfg *config.Config) (api.Config, bool, error) {
	if cfg == nil || cfg.API == nil || !cfg.API.Enabled {
		return api.Config{}, false, nil
	}
	ac := cfg.API
	read, err := config.ParseDurationOrDefault("api.read_timeout", ac.ReadTimeout, 10*time.Second)
	if err != nil {
		return api.Config{}, false, err
	}
	write, err := config.ParseDurationOrDefault("api.write_timeout", ac.WriteTimeout, 10*time.Second)
	if err != nil {
		return api.Config{}, false, err
	}
	return api.Config{
		Addr:         cfg.APIAddr(),
		RatePerSec:   ac.RatePerSec,
		Burst:        ac.Burst,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  60 * time.Second,
	}, true, nil
}

func jobLogDir(cfg *config.Config) string {
	if p := strings.TrimSpace(cfg.Jobs.LogPath); p != "" {
		return p
	}
	return "./logs"
}
