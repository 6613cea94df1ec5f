package config

import (
	"fmt"
	"os"
	"strings"

	"jobflow/internal/jobs"
)

// LoadJobsFile reads a job document (JSON, or YAML by extension).
func LoadJobsFile(path string) ([]jobs.Definition, error) {
	b, err := readDocument(path)
	if err != nil {
		return nil, err
	}
	return jobs.DecodeDefinitions(b)
}

// LoadCalendarsFile reads a calendar document. An empty path yields no
// calendars.
func LoadCalendarsFile(path string) ([]jobs.CalendarDefinition, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	b, err := readDocument(path)
	if err != nil {
		return nil, err
	}
	return jobs.DecodeCalendars(b)
}

func readDocument(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jb, _, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return jb, nil
}
