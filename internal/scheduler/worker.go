package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"jobflow/internal/eventbus"
	"jobflow/internal/jobs"
	logx "jobflow/pkg/logx"
)

// fire creates an execution for key and queues it without blocking.
func (s *Service) fire(ctx context.Context, key jobs.Identifier, trigger string) error {
	s.mu.Lock()
	e := s.jobs[key]
	state := s.state
	q := s.queue
	s.mu.Unlock()

	if e == nil {
		return fmt.Errorf("%w: %s", ErrJobNotFound, key)
	}
	switch state {
	case shutdown:
		return ErrShutdown
	case standby:
		return ErrNotStarted
	}

	exec := NewExecution(key, e.job.Data, trigger, time.Now())
	if !e.state.tryAcquire() {
		s.notify(ctx, JobEvent{Kind: Vetoed, Execution: exec})
		s.publish(eventbus.JobSkipped, s.runEvent(exec, 0, ErrJobRunning))
		return fmt.Errorf("%w: %s", ErrJobRunning, key)
	}

	s.track(exec)
	select {
	case q <- exec:
		return nil
	default:
		s.untrack(exec)
		e.state.release()
		s.onQueueFull(exec, q)
		return ErrQueueFull
	}
}

func (s *Service) worker(ctx context.Context, queue <-chan *Execution) {
	for {
		select {
		case <-ctx.Done():
			return
		case exec := <-queue:
			s.execute(ctx, exec)
		}
	}
}

// execute runs attempts until the runner succeeds, gives up, or the
// refire cap is hit. Listeners see every attempt.
func (s *Service) execute(ctx context.Context, exec *Execution) {
	s.mu.Lock()
	e := s.jobs[exec.Key]
	maxRefires := s.cfg.MaxRefires
	bo := s.newBackOff()
	s.mu.Unlock()

	defer func() {
		s.untrack(exec)
		if e != nil {
			e.state.release()
		}
	}()

	for {
		exec.SetOutcome(jobs.OutcomeUnknown)
		s.notify(ctx, JobEvent{Kind: ToBeExecuted, Execution: exec})
		s.publish(eventbus.JobStarted, s.runEvent(exec, 0, nil))

		start := time.Now()
		err := s.attempt(ctx, exec)
		dur := time.Since(start)

		retry := err != nil && !IsNoRetry(err) && ctx.Err() == nil
		switch {
		case err == nil && exec.Outcome() == jobs.OutcomeUnknown:
			exec.SetOutcome(jobs.Succeeded)
		case err != nil && exec.Outcome() == jobs.OutcomeUnknown:
			if retry {
				exec.SetOutcome(jobs.Retrying)
			} else {
				exec.SetOutcome(jobs.Failed)
			}
		}
		if retry && exec.RefireCount() >= maxRefires {
			s.log.Warn("refire limit reached; failing execution", logx.String("job", exec.Key.Key()), logx.Int("refires", exec.RefireCount()))
			exec.SetOutcome(jobs.Failed)
			retry = false
		}

		s.notify(ctx, JobEvent{Kind: WasExecuted, Execution: exec, Err: err, Duration: dur})
		s.publish(eventbus.JobExecuted, s.runEvent(exec, dur, err))
		s.logAttempt(exec, dur, err)
		// the attempt's process is gone; its pid may be reused by the OS
		exec.ClearProcessID()

		if !retry {
			return
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		s.log.Debug("refire scheduled", logx.String("job", exec.Key.Key()), logx.Int("refire", exec.RefireCount()+1), logx.Duration("delay", wait))
		tmr := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return
		case <-tmr.C:
		}
		exec.Refire()
	}
}

func (s *Service) attempt(ctx context.Context, exec *Execution) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("job.panic", logx.String("job", exec.Key.Key()), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	if s.runner == nil {
		return NoRetry(fmt.Errorf("no runner configured"))
	}
	return s.runner.Run(ctx, exec)
}

func (s *Service) notify(ctx context.Context, ev JobEvent) {
	s.lmu.RLock()
	ls := make([]listenerReg, len(s.listeners))
	copy(ls, s.listeners)
	s.lmu.RUnlock()

	for _, l := range ls {
		if !l.match(ev.Execution.Key) {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("job listener panicked", logx.String("listener", l.name), logx.String("job", ev.Execution.Key.Key()), logx.Any("panic", r))
				}
			}()
			l.fn(ctx, ev)
		}()
	}
}

func (s *Service) logAttempt(exec *Execution, dur time.Duration, err error) {
	fields := []logx.Field{
		logx.String("job", exec.Key.Key()),
		logx.String("outcome", exec.Outcome().String()),
		logx.Int("attempt", exec.RefireCount()+1),
		logx.Duration("dur", dur),
	}
	if err != nil {
		s.log.Warn("job.failed", append(fields, logx.Err(err))...)
		return
	}
	s.log.Debug("job.completed", fields...)
}

func (s *Service) runEvent(exec *Execution, dur time.Duration, err error) RunEvent {
	ev := RunEvent{
		ID:       exec.ID,
		Job:      exec.Key.Key(),
		Trigger:  exec.Trigger,
		FireTime: exec.FireTime,
		Attempt:  exec.RefireCount() + 1,
		Duration: dur,
	}
	if o := exec.Outcome(); o != jobs.OutcomeUnknown {
		ev.Outcome = o.String()
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

func (s *Service) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RefireBase
	b.MaxInterval = s.cfg.RefireMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (s *Service) track(exec *Execution) {
	s.emu.Lock()
	s.executing[exec.ID] = exec
	s.emu.Unlock()
}

func (s *Service) untrack(exec *Execution) {
	s.emu.Lock()
	delete(s.executing, exec.ID)
	s.emu.Unlock()
}

func (s *Service) onQueueFull(exec *Execution, q chan *Execution) {
	s.dropped.Add(1)
	s.publish(eventbus.JobSkipped, s.runEvent(exec, 0, ErrQueueFull))
	if s.shouldWarn(&s.lastQueueFullWarnAt, time.Now()) {
		s.log.Warn("execution dropped: queue full",
			logx.String("job", exec.Key.Key()),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Int64("dropped", int64(s.dropped.Load())),
		)
	}
}
