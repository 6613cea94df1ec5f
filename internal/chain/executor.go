package chain

import (
	"context"
	"fmt"
	"sync"

	"jobflow/internal/jobs"
	"jobflow/internal/scheduler"
	logx "jobflow/pkg/logx"
)

// Trigger fires a job outside its schedule.
type Trigger interface {
	TriggerJob(ctx context.Context, key jobs.Identifier) error
}

// Executor holds chain links and fires dependents on completion events.
type Executor struct {
	trig Trigger
	log  logx.Logger

	mu    sync.RWMutex
	links []Link
}

func NewExecutor(trig Trigger, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{trig: trig, log: log}
}

// AddLink registers that dep runs when pred finishes matching c.
func (x *Executor) AddLink(pred jobs.Identifier, c Criterion, dep jobs.Identifier) error {
	if pred.IsZero() || dep.IsZero() {
		return fmt.Errorf("%w: Key cannot be null!", ErrInvalidKey)
	}
	if pred.Name == "" || dep.Name == "" {
		return fmt.Errorf("%w: Key cannot have a null name!", ErrInvalidKey)
	}
	x.mu.Lock()
	x.links = append(x.links, Link{Predecessor: pred, Criterion: c, Dependent: dep})
	x.mu.Unlock()
	return nil
}

// Links returns the registered links in insertion order.
func (x *Executor) Links() []Link {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return append([]Link(nil), x.links...)
}

// HandleCompletion fires every dependent of key whose criterion matches
// outcome. Trigger failures are logged and do not stop other dependents.
func (x *Executor) HandleCompletion(ctx context.Context, key jobs.Identifier, outcome jobs.Outcome) {
	x.mu.RLock()
	var matched []Link
	for _, l := range x.links {
		if l.Predecessor == key && l.Criterion.Matches(outcome) {
			matched = append(matched, l)
		}
	}
	x.mu.RUnlock()

	for _, l := range matched {
		x.log.Info(fmt.Sprintf("%s of Job '%s' will now trigger Job '%s'", l.Criterion.verb(), key, l.Dependent))
		if x.trig == nil {
			continue
		}
		if err := x.trig.TriggerJob(ctx, l.Dependent); err != nil {
			x.log.Error(fmt.Sprintf("Error encountered triggering Job '%s'", l.Dependent), logx.Err(err))
		}
	}
}

// Listener adapts the executor to scheduler job events.
func (x *Executor) Listener() scheduler.Listener {
	return func(ctx context.Context, ev scheduler.JobEvent) {
		if ev.Kind != scheduler.WasExecuted || ev.Execution == nil {
			return
		}
		x.HandleCompletion(ctx, ev.Execution.Key, ev.Execution.Outcome())
	}
}
