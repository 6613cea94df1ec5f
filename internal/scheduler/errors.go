package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrShutdown         = errors.New("scheduler is shut down")
	ErrNotStarted       = errors.New("scheduler not started")
	ErrJobNotFound      = errors.New("job not found")
	ErrJobExists        = errors.New("job already exists")
	ErrJobRunning       = errors.New("job is already executing")
	ErrNotDurable       = errors.New("jobs added with no trigger must be durable")
	ErrCalendarExists   = errors.New("calendar already exists")
	ErrCalendarNotFound = errors.New("calendar not found")
	ErrQueueFull        = errors.New("execution queue full")
)

// NoRetry marks an error as non-retryable: the execution ends as Failed
// instead of being refired.
//
//	return scheduler.NoRetry(fmt.Errorf("killed: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
