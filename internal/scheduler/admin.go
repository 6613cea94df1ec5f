package scheduler

import (
	"fmt"
	"sort"
	"time"

	"jobflow/internal/jobs"
	"jobflow/internal/schedule"
)

// CurrentlyExecuting returns the executions in flight, oldest fire first.
// The slice is a fresh snapshot; the records themselves are live.
func (s *Service) CurrentlyExecuting() []*Execution {
	s.emu.Lock()
	out := make([]*Execution, 0, len(s.executing))
	for _, e := range s.executing {
		out = append(out, e)
	}
	s.emu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FireTime.Equal(out[j].FireTime) {
			return out[i].FireTime.Before(out[j].FireTime)
		}
		return out[i].Key.Key() < out[j].Key.Key()
	})
	return out
}

// JobKeys lists all stored jobs sorted by key.
func (s *Service) JobKeys() []jobs.Identifier {
	s.mu.Lock()
	out := make([]jobs.Identifier, 0, len(s.jobs))
	for k := range s.jobs {
		out = append(out, k)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (s *Service) Job(key jobs.Identifier) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[key]
	if !ok {
		return Job{}, false
	}
	return e.job, true
}

func (s *Service) CheckExists(key jobs.Identifier) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[key]
	return ok
}

// Triggers returns the triggers of a job in creation order.
func (s *Service) Triggers(key jobs.Identifier) []schedule.Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[key]
	if !ok {
		return nil
	}
	out := make([]schedule.Trigger, len(e.triggers))
	for i, t := range e.triggers {
		out[i] = t.trigger
	}
	return out
}

// NextFireTime resolves the next fire time of a named trigger.
func (s *Service) NextFireTime(trigger string) (time.Time, bool) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.jobs {
		for _, t := range e.triggers {
			if t.trigger.Name == trigger {
				next := t.sched.Next(now)
				return next, !next.IsZero()
			}
		}
	}
	return time.Time{}, false
}

// NextJobFireTime is the earliest next fire time across the job's unpaused
// triggers.
func (s *Service) NextJobFireTime(key jobs.Identifier) (time.Time, bool) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[key]
	if !ok {
		return time.Time{}, false
	}
	var best time.Time
	for _, t := range e.triggers {
		if t.paused {
			continue
		}
		next := t.sched.Next(now)
		if next.IsZero() {
			continue
		}
		if best.IsZero() || next.Before(best) {
			best = next
		}
	}
	return best, !best.IsZero()
}

// JobStatus folds the job's trigger states: "Unscheduled" without triggers,
// the shared state when all agree, otherwise "Indeterminate".
func (s *Service) JobStatus(key jobs.Identifier) (string, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, key)
	}
	states := map[TriggerState]struct{}{}
	var last TriggerState
	for _, t := range e.triggers {
		last = triggerStateOf(t, e.state, now)
		states[last] = struct{}{}
	}
	switch len(states) {
	case 0:
		return JobUnscheduled, nil
	case 1:
		return string(last), nil
	default:
		return JobIndeterminate, nil
	}
}

func triggerStateOf(t *triggerEntry, st *runState, now time.Time) TriggerState {
	switch {
	case t.paused:
		return StatePaused
	case t.sched.Next(now).IsZero():
		return StateComplete
	case st.running():
		return StateBlocked
	default:
		return StateNormal
	}
}

// PauseJob stops all triggers of the job from firing.
func (s *Service) PauseJob(key jobs.Identifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, key)
	}
	s.pauseLocked(e)
	return nil
}

// ResumeJob re-enables the job's triggers.
func (s *Service) ResumeJob(key jobs.Identifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, key)
	}
	s.resumeLocked(e)
	return nil
}

func (s *Service) PauseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.jobs {
		s.pauseLocked(e)
	}
}

func (s *Service) ResumeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.jobs {
		s.resumeLocked(e)
	}
}

func (s *Service) pauseLocked(e *jobEntry) {
	for _, t := range e.triggers {
		if t.paused {
			continue
		}
		t.paused = true
		s.unregisterLocked(t)
	}
}

func (s *Service) resumeLocked(e *jobEntry) {
	for _, t := range e.triggers {
		if !t.paused {
			continue
		}
		t.paused = false
		if s.c != nil {
			s.registerLocked(e.job.Key, t)
		}
	}
}

// Snapshot returns diagnostics for /health and the status endpoint.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Status:   s.statusLocked(),
		Timezone: s.loc.String(),
		Workers:  s.cfg.Workers,
		Jobs:     len(s.jobs),
	}
	if s.queue != nil {
		snap.QueueLen = len(s.queue)
		snap.QueueCap = cap(s.queue)
	}
	sup := s.sup
	s.mu.Unlock()

	if sup != nil {
		snap.Goroutines = sup.Snapshot().Goroutines
	}

	s.emu.Lock()
	snap.Executing = len(s.executing)
	s.emu.Unlock()
	snap.Dropped = s.dropped.Load()
	return snap
}
