package scheduler

import (
	"context"
	"strconv"
	"sync"
	"time"

	"jobflow/internal/jobs"
	rtsup "jobflow/internal/runtime/supervisor"
)

// Config controls execution of fired jobs.
type Config struct {
	// Workers bounds how many jobs execute at once.
	Workers   int
	QueueSize int

	// Timezone is the default location of triggers without their own.
	Timezone string

	// MaxRefires caps refires of a single execution regardless of what the
	// runner reports. 0 applies the default.
	MaxRefires int
	RefireBase time.Duration
	RefireMax  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.MaxRefires <= 0 {
		c.MaxRefires = 100
	}
	if c.RefireBase <= 0 {
		c.RefireBase = time.Second
	}
	if c.RefireMax <= 0 {
		c.RefireMax = 30 * time.Second
	}
	return c
}

// JobData is the per-job configuration every execution carries.
type JobData struct {
	ExecutableName string
	Parameters     string
	MaxRetries     int
	// WarnAfter and TerminateAfter are minutes; 0 disables.
	WarnAfter      int
	TerminateAfter int
}

// Properties renders the data as name/value pairs for operators.
func (d JobData) Properties() map[string]string {
	return map[string]string{
		"ExecutableName": d.ExecutableName,
		"Parameters":     d.Parameters,
		"MaxRetries":     strconv.Itoa(d.MaxRetries),
		"WarnAfter":      strconv.Itoa(d.WarnAfter),
		"TerminateAfter": strconv.Itoa(d.TerminateAfter),
	}
}

// Job is what the scheduler stores per key.
type Job struct {
	Key         jobs.Identifier
	Description string
	Durable     bool
	Data        JobData
}

// Runner performs one execution attempt.
type Runner interface {
	Run(ctx context.Context, exec *Execution) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, exec *Execution) error

func (f RunnerFunc) Run(ctx context.Context, exec *Execution) error { return f(ctx, exec) }

// EventKind identifies a listener callback.
type EventKind int

const (
	ToBeExecuted EventKind = iota
	WasExecuted
	Vetoed
)

func (k EventKind) String() string {
	switch k {
	case ToBeExecuted:
		return "to_be_executed"
	case WasExecuted:
		return "was_executed"
	case Vetoed:
		return "vetoed"
	default:
		return "unknown"
	}
}

// JobEvent is delivered to job listeners. WasExecuted fires after every
// attempt, so a refired execution reports Retrying before its final outcome.
type JobEvent struct {
	Kind      EventKind
	Execution *Execution
	Err       error
	Duration  time.Duration
}

// Listener reacts to job events. Listeners run synchronously on the worker
// executing the job; a panic is recovered and logged.
type Listener func(ctx context.Context, ev JobEvent)

// Matcher selects the jobs a listener is interested in.
type Matcher func(key jobs.Identifier) bool

// AnyGroup matches every job.
func AnyGroup() Matcher { return func(jobs.Identifier) bool { return true } }

// GroupEquals matches jobs of one group.
func GroupEquals(group string) Matcher {
	return func(k jobs.Identifier) bool { return k.Group == group }
}

// KeyEquals matches a single job.
func KeyEquals(key jobs.Identifier) Matcher {
	return func(k jobs.Identifier) bool { return k == key }
}

// RunEvent is the payload of job.started, job.executed and job.skipped.
type RunEvent struct {
	ID       string        `json:"id"`
	Job      string        `json:"job"`
	Trigger  string        `json:"trigger,omitempty"`
	FireTime time.Time     `json:"fire_time"`
	Attempt  int           `json:"attempt"`
	Outcome  string        `json:"outcome,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// TriggerState mirrors the states operators see per trigger.
type TriggerState string

const (
	StateNormal   TriggerState = "Normal"
	StatePaused   TriggerState = "Paused"
	StateBlocked  TriggerState = "Blocked"
	StateComplete TriggerState = "Complete"
)

// Status strings reported by Service.Status.
const (
	StatusStarted  = "Started"
	StatusStandby  = "InStandBy"
	StatusShutdown = "Shutdown"
)

// JobStatus results besides a single TriggerState.
const (
	JobUnscheduled   = "Unscheduled"
	JobIndeterminate = "Indeterminate"
)

// runState gates a job to one execution at a time.
type runState struct {
	mu       sync.Mutex
	inflight bool
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		return false
	}
	s.inflight = true
	return true
}

func (s *runState) release() {
	s.mu.Lock()
	s.inflight = false
	s.mu.Unlock()
}

func (s *runState) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

// Snapshot is a lightweight diagnostics view.
type Snapshot struct {
	Status    string
	Timezone  string
	Workers   int
	QueueLen  int
	QueueCap  int
	Jobs      int
	Executing int
	Dropped   uint64
	// Goroutines are the worker and cron loop stats, empty before Start.
	Goroutines []rtsup.GoroutineStats
}
