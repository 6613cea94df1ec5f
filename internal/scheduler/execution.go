package scheduler

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"jobflow/internal/jobs"
)

// Execution is one fired run of a job, shared by the runner, the listeners
// and the conductor's monitors. Mutable state is guarded per execution.
type Execution struct {
	ID       string
	Key      jobs.Identifier
	FireTime time.Time // UTC
	Trigger  string    // empty for manual and chained fires
	Data     JobData

	mu          sync.Mutex
	refireCount int
	pid         int
	hasPID      bool
	warned      bool
	terminated  bool
	outcome     jobs.Outcome
	output      strings.Builder
}

// NewExecution creates an execution record fired at fireTime.
func NewExecution(key jobs.Identifier, data JobData, trigger string, fireTime time.Time) *Execution {
	return &Execution{
		ID:       uuid.NewString(),
		Key:      key,
		FireTime: fireTime.UTC(),
		Trigger:  trigger,
		Data:     data,
	}
}

// RefireCount is the number of prior attempts of this execution.
func (e *Execution) RefireCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refireCount
}

// Refire bumps the refire count and returns the new value.
func (e *Execution) Refire() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refireCount++
	return e.refireCount
}

// ProcessID returns the OS process of the current attempt, if one started.
func (e *Execution) ProcessID() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pid, e.hasPID
}

func (e *Execution) SetProcessID(pid int) {
	e.mu.Lock()
	e.pid, e.hasPID = pid, true
	e.mu.Unlock()
}

// ClearProcessID forgets the pid of an attempt whose process has exited.
func (e *Execution) ClearProcessID() {
	e.mu.Lock()
	e.pid, e.hasPID = 0, false
	e.mu.Unlock()
}

// Warned reports whether a long-running warning was already issued.
func (e *Execution) Warned() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.warned
}

// MarkWarned sets the warned flag and reports whether it was newly set.
func (e *Execution) MarkWarned() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.warned {
		return false
	}
	e.warned = true
	return true
}

// MarkTerminated records that the process was killed on purpose. A killed
// execution ends as Failed and is not refired.
func (e *Execution) MarkTerminated() {
	e.mu.Lock()
	e.terminated = true
	e.mu.Unlock()
}

// ResetTerminated undoes MarkTerminated after a kill that did not happen.
func (e *Execution) ResetTerminated() {
	e.mu.Lock()
	e.terminated = false
	e.mu.Unlock()
}

func (e *Execution) Terminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminated
}

func (e *Execution) Outcome() jobs.Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outcome
}

func (e *Execution) SetOutcome(o jobs.Outcome) {
	e.mu.Lock()
	e.outcome = o
	e.mu.Unlock()
}

// AppendOutput adds to the standard output captured for the current attempt.
func (e *Execution) AppendOutput(s string) {
	e.mu.Lock()
	e.output.WriteString(s)
	e.mu.Unlock()
}

func (e *Execution) ClearOutput() {
	e.mu.Lock()
	e.output.Reset()
	e.mu.Unlock()
}

// Output is the standard output captured for the current attempt.
func (e *Execution) Output() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.output.String()
}

// Elapsed is the time since the execution fired.
func (e *Execution) Elapsed(now time.Time) time.Duration {
	return now.Sub(e.FireTime)
}
