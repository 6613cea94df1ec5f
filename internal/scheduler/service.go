package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"jobflow/internal/eventbus"
	"jobflow/internal/jobs"
	rtsup "jobflow/internal/runtime/supervisor"
	"jobflow/internal/schedule"
	logx "jobflow/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type lifecycle int

const (
	standby lifecycle = iota
	started
	shutdown
)

type triggerEntry struct {
	trigger schedule.Trigger
	sched   cron.Schedule
	entryID cron.EntryID
	paused  bool
}

type jobEntry struct {
	job      Job
	triggers []*triggerEntry
	state    *runState
}

type listenerReg struct {
	name  string
	fn    Listener
	match Matcher
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	runner Runner
	loc    *time.Location

	state     lifecycle
	c         *cron.Cron
	sup       *rtsup.Supervisor
	queue     chan *Execution
	calendars map[string]schedule.Calendar
	jobs      map[jobs.Identifier]*jobEntry

	lmu       sync.RWMutex
	listeners []listenerReg

	emu       sync.Mutex
	executing map[string]*Execution

	dropped             atomic.Uint64
	lastQueueFullWarnAt atomic.Int64
}

func New(cfg Config, runner Runner, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:       cfg,
		log:       log,
		bus:       bus,
		runner:    runner,
		calendars: map[string]schedule.Calendar{},
		jobs:      map[jobs.Identifier]*jobEntry{},
		executing: map[string]*Execution{},
	}
	s.loc = s.loadLocation()
	return s
}

// Start begins firing triggers and executing jobs. Starting a started
// scheduler is a no-op; a shut down scheduler cannot be restarted.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case started:
		return nil
	case shutdown:
		return ErrShutdown
	}

	s.queue = make(chan *Execution, s.cfg.QueueSize)
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler"))),
		rtsup.WithCancelOnError(false),
	)
	queue := s.queue
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, queue)
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	s.c = cron.New(cron.WithLocation(s.loc))
	for _, e := range s.jobs {
		for _, t := range e.triggers {
			if !t.paused {
				s.registerLocked(e.job.Key, t)
			}
		}
	}
	s.c.Start()
	s.state = started

	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)), logx.Int("workers", s.cfg.Workers))
	s.publish(eventbus.SchedulerStarted, nil)
	return nil
}

// Shutdown stops firing, cancels running executions and waits for the
// workers (bounded by ctx).
func (s *Service) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.state == shutdown {
		s.mu.Unlock()
		return nil
	}
	prev := s.state
	s.state = shutdown
	c := s.c
	sup := s.sup
	s.c = nil
	for _, e := range s.jobs {
		for _, t := range e.triggers {
			t.entryID = 0
		}
	}
	s.mu.Unlock()

	start := time.Now()
	s.log.Info("shutdown requested")
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	var err error
	if sup != nil {
		err = sup.Stop(ctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	}

	s.emu.Lock()
	s.executing = map[string]*Execution{}
	s.emu.Unlock()

	if prev == started {
		s.publish(eventbus.SchedulerShutdown, nil)
	}
	s.log.Info("scheduler shut down", logx.Duration("took", time.Since(start)))
	return err
}

func (s *Service) IsStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == started
}

func (s *Service) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == shutdown
}

// InStandby reports a scheduler that was built but not started yet.
func (s *Service) InStandby() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != started && s.state != shutdown
}

// Status is "Started", "InStandBy" or "Shutdown".
func (s *Service) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Service) statusLocked() string {
	switch s.state {
	case started:
		return StatusStarted
	case shutdown:
		return StatusShutdown
	default:
		return StatusStandby
	}
}

// Supervisor exposes worker goroutine stats (nil before Start).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// AddCalendar registers an exclusion calendar. With updateTriggers, triggers
// already referring to name are recompiled against the new calendar.
func (s *Service) AddCalendar(name string, cal schedule.Calendar, replace, updateTriggers bool) error {
	name = strings.TrimSpace(name)
	if name == "" || cal == nil {
		return fmt.Errorf("calendar name and value required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calendars[name]; ok && !replace {
		return fmt.Errorf("%w: %s", ErrCalendarExists, name)
	}
	s.calendars[name] = cal
	if !updateTriggers {
		return nil
	}
	for _, e := range s.jobs {
		for _, t := range e.triggers {
			if t.trigger.ExclusionCalendar != name {
				continue
			}
			sched, err := t.trigger.Compile(cal)
			if err != nil {
				return err
			}
			s.unregisterLocked(t)
			t.sched = sched
			if s.c != nil && !t.paused {
				s.registerLocked(e.job.Key, t)
			}
		}
	}
	s.log.Debug("calendar added", logx.String("calendar", name))
	return nil
}

// ScheduleJob stores job with its triggers. Every trigger is compiled up
// front; a bad trigger rejects the whole job.
func (s *Service) ScheduleJob(job Job, triggers []schedule.Trigger, replace bool) error {
	if job.Key.IsZero() || strings.TrimSpace(job.Key.Name) == "" {
		return fmt.Errorf("job key required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == shutdown {
		return ErrShutdown
	}
	old, exists := s.jobs[job.Key]
	if exists && !replace {
		return fmt.Errorf("%w: %s", ErrJobExists, job.Key)
	}

	entries := make([]*triggerEntry, 0, len(triggers))
	for _, tr := range triggers {
		var cal schedule.Calendar
		if name := strings.TrimSpace(tr.ExclusionCalendar); name != "" {
			c, ok := s.calendars[name]
			if !ok {
				return fmt.Errorf("%w: %s (trigger %s)", ErrCalendarNotFound, name, tr.Name)
			}
			cal = c
		}
		sched, err := tr.Compile(cal)
		if err != nil {
			return err
		}
		entries = append(entries, &triggerEntry{trigger: tr, sched: sched})
	}

	st := &runState{}
	if exists {
		for _, t := range old.triggers {
			s.unregisterLocked(t)
		}
		st = old.state
	}
	e := &jobEntry{job: job, triggers: entries, state: st}
	s.jobs[job.Key] = e
	if s.c != nil {
		for _, t := range entries {
			s.registerLocked(job.Key, t)
		}
	}
	s.log.Debug("job scheduled", logx.String("job", job.Key.Key()), logx.Int("triggers", len(entries)))
	return nil
}

// AddJob stores a job without triggers; it runs only when triggered.
// Replacing keeps the job's existing triggers.
func (s *Service) AddJob(job Job, durable, replace bool) error {
	if job.Key.IsZero() || strings.TrimSpace(job.Key.Name) == "" {
		return fmt.Errorf("job key required")
	}
	if !durable {
		return ErrNotDurable
	}
	job.Durable = true
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == shutdown {
		return ErrShutdown
	}
	if old, ok := s.jobs[job.Key]; ok {
		if !replace {
			return fmt.Errorf("%w: %s", ErrJobExists, job.Key)
		}
		old.job = job
		return nil
	}
	s.jobs[job.Key] = &jobEntry{job: job, state: &runState{}}
	s.log.Debug("job added", logx.String("job", job.Key.Key()))
	return nil
}

// AddJobListener registers fn for jobs selected by m (nil means all). A
// listener with the same name is replaced.
func (s *Service) AddJobListener(name string, fn Listener, m Matcher) {
	if fn == nil {
		return
	}
	if m == nil {
		m = AnyGroup()
	}
	s.lmu.Lock()
	defer s.lmu.Unlock()
	for i := range s.listeners {
		if s.listeners[i].name == name {
			s.listeners[i] = listenerReg{name: name, fn: fn, match: m}
			return
		}
	}
	s.listeners = append(s.listeners, listenerReg{name: name, fn: fn, match: m})
}

// RemoveJobListener reports whether a listener was removed.
func (s *Service) RemoveJobListener(name string) bool {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	for i := range s.listeners {
		if s.listeners[i].name == name {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// TriggerJob fires the job now, outside its schedule.
func (s *Service) TriggerJob(ctx context.Context, key jobs.Identifier) error {
	return s.fire(ctx, key, "")
}

func (s *Service) registerLocked(key jobs.Identifier, t *triggerEntry) {
	name := t.trigger.Name
	t.entryID = s.c.Schedule(t.sched, cron.FuncJob(func() {
		if err := s.fire(context.Background(), key, name); err != nil {
			s.reportFireError(key, name, err)
		}
	}))
}

func (s *Service) unregisterLocked(t *triggerEntry) {
	if s.c != nil && t.entryID != 0 {
		s.c.Remove(t.entryID)
	}
	t.entryID = 0
}

func (s *Service) reportFireError(key jobs.Identifier, trigger string, err error) {
	switch {
	case errors.Is(err, ErrJobRunning):
		s.log.Info("trigger fired while job still executing; skipped", logx.String("job", key.Key()), logx.String("trigger", trigger))
	case errors.Is(err, ErrShutdown), errors.Is(err, ErrNotStarted):
		s.log.Debug("trigger fired outside running scheduler", logx.String("job", key.Key()), logx.Err(err))
	case errors.Is(err, ErrQueueFull):
		// already reported
	default:
		s.log.Warn("trigger fire failed", logx.String("job", key.Key()), logx.String("trigger", trigger), logx.Err(err))
	}
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

func (s *Service) loadLocation() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}
