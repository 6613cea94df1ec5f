package config

import (
	"fmt"
	"strings"
)

// Config is the host configuration (jobflow.json or jobflow.yaml).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Conductor ConductorConfig `json:"conductor"`
	Jobs      JobsConfig      `json:"jobs"`
	API       *APIConfig      `json:"api,omitempty"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Service   ServiceConfig   `json:"service"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts mirrors WARN+ lines (long-running warnings, kills) into an
// operator alert file, rate limited.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls job execution.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 64
//   - timezone: host local time
//   - max_refires: 100
//   - refire_base: "1s"
//   - refire_max: "30s"
type SchedulerConfig struct {
	Workers    int    `json:"workers,omitempty"`
	QueueSize  int    `json:"queue_size,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
	MaxRefires int    `json:"max_refires,omitempty"`
	RefireBase string `json:"refire_base,omitempty"`
	RefireMax  string `json:"refire_max,omitempty"`
}

// ConductorConfig sets how often the monitors look at running jobs.
// Defaults: warn_interval "60s", terminate_interval "90s".
type ConductorConfig struct {
	WarnInterval      string `json:"warn_interval,omitempty"`
	TerminateInterval string `json:"terminate_interval,omitempty"`
}

// JobsConfig points at the job and calendar documents. Paths are relative
// to the working directory.
type JobsConfig struct {
	JobsFile      string `json:"jobs_file"`
	CalendarsFile string `json:"calendars_file,omitempty"`
	// LogPath is the directory receiving one {group}-{name}.txt per job.
	LogPath string `json:"log_path,omitempty"`
}

// APIConfig controls the admin HTTP API.
//
// Security note: the API can start and kill jobs. Bind it to localhost
// unless it sits behind an authenticating proxy.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9000"

	// RatePerSec limits requests across all clients; 0 disables limiting.
	RatePerSec int `json:"rate_per_sec,omitempty"`
	Burst      int `json:"burst,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`

	// Pprof exposes /debug/pprof on the same listener.
	Pprof bool `json:"pprof,omitempty"`
}

// StorageConfig controls the run history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./jobflow.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	HistorySize int    `json:"history_size,omitempty"` // runs kept per job, file driver
}

// ServiceConfig names the OS service installed by `jobflow service install`.
type ServiceConfig struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Description string `json:"description,omitempty"`
}

// Validate checks values that would otherwise fail late at startup.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(c.Jobs.JobsFile) == "" {
		return fmt.Errorf("jobs.jobs_file: required")
	}
	if c.Scheduler.Workers < 0 || c.Scheduler.QueueSize < 0 || c.Scheduler.MaxRefires < 0 {
		return fmt.Errorf("scheduler: workers, queue_size and max_refires must be >= 0")
	}
	durations := []struct{ path, raw string }{
		{"scheduler.refire_base", c.Scheduler.RefireBase},
		{"scheduler.refire_max", c.Scheduler.RefireMax},
		{"conductor.warn_interval", c.Conductor.WarnInterval},
		{"conductor.terminate_interval", c.Conductor.TerminateInterval},
	}
	if c.API != nil {
		durations = append(durations,
			struct{ path, raw string }{"api.read_timeout", c.API.ReadTimeout},
			struct{ path, raw string }{"api.write_timeout", c.API.WriteTimeout},
		)
		if c.API.RatePerSec < 0 || c.API.Burst < 0 {
			return fmt.Errorf("api: rate_per_sec and burst must be >= 0")
		}
	}
	if c.Storage != nil {
		durations = append(durations, struct{ path, raw string }{"storage.busy_timeout", c.Storage.BusyTimeout})
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "none", "file", "sqlite":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
		}
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	return nil
}

// APIAddr returns the listen address, or "" when the API is disabled.
func (c *Config) APIAddr() string {
	if c.API == nil || !c.API.Enabled {
		return ""
	}
	if a := strings.TrimSpace(c.API.Addr); a != "" {
		return a
	}
	return "127.0.0.1:9000"
}
