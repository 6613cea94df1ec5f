package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string; empty means zero. path
// names the field in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// RefireWindow resolves the refire backoff bounds.
func (c SchedulerConfig) RefireWindow() (base, max time.Duration, err error) {
	if base, err = ParseDurationOrDefault("scheduler.refire_base", c.RefireBase, time.Second); err != nil {
		return 0, 0, err
	}
	if max, err = ParseDurationOrDefault("scheduler.refire_max", c.RefireMax, 30*time.Second); err != nil {
		return 0, 0, err
	}
	if max < base {
		max = base
	}
	return base, max, nil
}

// Intervals resolves the monitor periods.
func (c ConductorConfig) Intervals() (warn, terminate time.Duration, err error) {
	if warn, err = ParseDurationOrDefault("conductor.warn_interval", c.WarnInterval, 60*time.Second); err != nil {
		return 0, 0, err
	}
	if terminate, err = ParseDurationOrDefault("conductor.terminate_interval", c.TerminateInterval, 90*time.Second); err != nil {
		return 0, 0, err
	}
	return warn, terminate, nil
}
