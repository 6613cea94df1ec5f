package jobs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrInvalidConfig is wrapped by every validation failure of a jobs or
// calendars document.
var ErrInvalidConfig = errors.New("invalid job configuration")

// ConfigError carries the operator-facing message of a rejected document.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return e.msg }

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

func configErrorf(format string, args ...any) error {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

// ReadDefinitions decodes and validates a JSON array of job definitions.
func ReadDefinitions(r io.Reader) ([]Definition, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return DecodeDefinitions(b)
}

// DecodeDefinitions decodes and validates a JSON array of job definitions.
// Nothing is returned unless the whole batch is valid.
func DecodeDefinitions(data []byte) ([]Definition, error) {
	var defs []Definition
	if err := decodeStrict(data, &defs); err != nil {
		return nil, fmt.Errorf("%w: jobs: %v", ErrInvalidConfig, err)
	}
	if err := ValidateDefinitions(defs); err != nil {
		return nil, err
	}
	return defs, nil
}

// ValidateDefinitions checks required fields and non-negative counters,
// then that every dependency names a job of the same batch.
func ValidateDefinitions(defs []Definition) error {
	for _, d := range defs {
		if strings.TrimSpace(d.Group) == "" {
			return configErrorf("Failed to create job defintions from config - one or more of the jobs has a blank or missing Group value")
		}
	}
	for _, d := range defs {
		if strings.TrimSpace(d.Name) == "" {
			return configErrorf("Failed to create job defintions from config - one or more of the jobs has a blank or missing JobName value")
		}
	}
	for _, d := range defs {
		for _, f := range []struct {
			field string
			v     int
		}{{"Retries", d.Retries}, {"WarnAfter", d.WarnAfter}, {"TerminateAfter", d.TerminateAfter}} {
			if f.v < 0 {
				return configErrorf("Failed to create job definitions from config - job '%s' has a negative %s value", d.Name, f.field)
			}
		}
	}

	known := make(map[Identifier]struct{}, len(defs))
	for _, d := range defs {
		known[d.Identifier()] = struct{}{}
	}
	for _, d := range defs {
		for _, dep := range []*Identifier{d.RunOnCompletionOf, d.RunOnFailureOf, d.RunOnSuccessOf} {
			if dep == nil {
				continue
			}
			if _, ok := known[*dep]; !ok {
				return configErrorf("Failed to create job definitions from config - job '%s' has a dependency '%s' that does not exist", d.Name, dep.Name)
			}
		}
	}
	return nil
}

// ReadCalendars decodes and validates a JSON array of calendar definitions.
func ReadCalendars(r io.Reader) ([]CalendarDefinition, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return DecodeCalendars(b)
}

// DecodeCalendars decodes and validates a JSON array of calendar definitions.
func DecodeCalendars(data []byte) ([]CalendarDefinition, error) {
	var cals []CalendarDefinition
	if err := decodeStrict(data, &cals); err != nil {
		return nil, fmt.Errorf("%w: calendars: %v", ErrInvalidConfig, err)
	}
	if err := ValidateCalendars(cals); err != nil {
		return nil, err
	}
	return cals, nil
}

func ValidateCalendars(cals []CalendarDefinition) error {
	for _, c := range cals {
		if strings.TrimSpace(c.CalendarName) == "" {
			return configErrorf("Failed to create calendars from config - one or more of the calendars has a blank or missing CalendarName value")
		}
	}
	for _, c := range cals {
		if strings.TrimSpace(c.Action) == "" {
			return configErrorf("Failed to create calendars from config - one or more of the calendars has a blank or missing Action value")
		}
	}
	return nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("trailing data")
		}
		return err
	}
	return nil
}
