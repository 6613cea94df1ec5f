// Package conductor wires job definitions into the scheduler and watches
// running executions, warning about and killing the ones that overstay.
package conductor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"jobflow/internal/chain"
	"jobflow/internal/eventbus"
	"jobflow/internal/jobs"
	"jobflow/internal/process"
	"jobflow/internal/schedule"
	"jobflow/internal/scheduler"
	logx "jobflow/pkg/logx"
)

var (
	ErrNotExecuting = errors.New("job is not currently executing")
	ErrNoProcess    = errors.New("execution has no process")
)

// startedLayout renders fire times like a general date/time pattern.
const startedLayout = "1/2/2006 3:04:05 PM"

// Scheduler is the part of the scheduler the conductor drives.
type Scheduler interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	IsStarted() bool
	IsShutdown() bool
	AddCalendar(name string, cal schedule.Calendar, replace, updateTriggers bool) error
	ScheduleJob(job scheduler.Job, triggers []schedule.Trigger, replace bool) error
	AddJob(job scheduler.Job, durable, replace bool) error
	NextFireTime(trigger string) (time.Time, bool)
	CurrentlyExecuting() []*scheduler.Execution
	TriggerJob(ctx context.Context, key jobs.Identifier) error
	AddJobListener(name string, fn scheduler.Listener, m scheduler.Matcher)
}

type Config struct {
	WarnInterval      time.Duration
	TerminateInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.WarnInterval <= 0 {
		c.WarnInterval = 60 * time.Second
	}
	if c.TerminateInterval <= 0 {
		c.TerminateInterval = 90 * time.Second
	}
	return c
}

type Option func(*Conductor)

func WithLogger(log logx.Logger) Option { return func(c *Conductor) { c.log = log } }

// WithClock overrides the time source of the monitors.
func WithClock(now func() time.Time) Option { return func(c *Conductor) { c.now = now } }

// WithBus publishes monitor results as events.
func WithBus(bus eventbus.Bus) Option { return func(c *Conductor) { c.bus = bus } }

// Observer receives the messages of one monitor pass.
type Observer func(messages []string)

type Conductor struct {
	sched   Scheduler
	pm      process.Manager
	log     logx.Logger
	now     func() time.Time
	bus     eventbus.Bus
	factory *schedule.Factory
	chain   *chain.Executor

	warn *monitor
	term *monitor

	omu     sync.Mutex
	seq     uint64
	warnObs map[uint64]Observer
	termObs map[uint64]Observer
}

// New registers calendars and jobs with sched and builds the chain links.
// Any failure leaves the scheduler partially populated and is returned.
func New(defs []jobs.Definition, cals []schedule.Calendar, cfg Config, sched Scheduler, pm process.Manager, opts ...Option) (*Conductor, error) {
	if sched == nil {
		return nil, fmt.Errorf("conductor: scheduler required")
	}
	if pm == nil {
		pm = process.OSManager{}
	}
	cfg = cfg.withDefaults()
	c := &Conductor{
		sched:   sched,
		pm:      pm,
		now:     time.Now,
		warnObs: map[uint64]Observer{},
		termObs: map[uint64]Observer{},
	}
	for _, o := range opts {
		o(c)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	c.factory = schedule.NewFactory(c.log.With(logx.String("comp", "triggers")))
	c.chain = chain.NewExecutor(sched, c.log.With(logx.String("comp", "chain")))
	c.warn = newMonitor(cfg.WarnInterval, func() { c.CheckLongRunning() })
	c.term = newMonitor(cfg.TerminateInterval, func() { c.CheckTermination() })

	for _, cal := range cals {
		if err := sched.AddCalendar(cal.Name(), cal, true, true); err != nil {
			return nil, fmt.Errorf("add calendar %s: %w", cal.Name(), err)
		}
	}
	if err := c.addJobs(defs); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Conductor) addJobs(defs []jobs.Definition) error {
	if len(defs) == 0 {
		return nil
	}
	for _, def := range defs {
		if err := c.addJob(def); err != nil {
			return err
		}
	}

	links, err := chain.BuildLinks(defs)
	if err != nil {
		return err
	}
	for _, l := range links {
		if err := c.chain.AddLink(l.Predecessor, l.Criterion, l.Dependent); err != nil {
			return err
		}
	}
	c.sched.AddJobListener("chain", c.chain.Listener(), scheduler.AnyGroup())
	c.sched.AddJobListener("console", c.consoleListener, scheduler.AnyGroup())
	return nil
}

func (c *Conductor) addJob(def jobs.Definition) error {
	job := scheduler.Job{
		Key:         def.Identifier(),
		Description: def.Description,
		Durable:     true,
		Data: scheduler.JobData{
			ExecutableName: def.ExecutableName,
			Parameters:     def.Parameters,
			MaxRetries:     def.Retries,
			WarnAfter:      def.WarnAfter,
			TerminateAfter: def.TerminateAfter,
		},
	}
	if !c.factory.RequiresTrigger(def) {
		if err := c.sched.AddJob(job, true, true); err != nil {
			return fmt.Errorf("add job %s: %w", def.Key(), err)
		}
		return nil
	}
	triggers, err := c.factory.CreateTriggers(def)
	if err != nil {
		return err
	}
	if err := c.sched.ScheduleJob(job, triggers, true); err != nil {
		return fmt.Errorf("schedule job %s: %w", def.Key(), err)
	}
	c.log.Info(c.factory.DescribeNextFirings(def, triggers, func(t schedule.Trigger) (time.Time, bool) {
		return c.sched.NextFireTime(t.Name)
	}), logx.String("job", def.Key()))
	return nil
}

// Chain exposes the dependency links registered for the loaded jobs.
func (c *Conductor) Chain() *chain.Executor { return c.chain }

func (c *Conductor) consoleListener(_ context.Context, ev scheduler.JobEvent) {
	if ev.Execution == nil {
		return
	}
	key := ev.Execution.Key
	switch ev.Kind {
	case scheduler.ToBeExecuted:
		c.log.Info(fmt.Sprintf("-----About to run '%s'", key))
	case scheduler.Vetoed:
		c.log.Info(fmt.Sprintf("-----Run of '%s' was vetoed!", key))
	case scheduler.WasExecuted:
		c.log.Info("-----Execution log:\n" + ev.Execution.Output())
		c.log.Info("---------------------")
	}
}

// StartScheduler starts the scheduler if needed, then both monitors.
func (c *Conductor) StartScheduler(ctx context.Context) error {
	if !c.sched.IsStarted() {
		if err := c.sched.Start(ctx); err != nil {
			return err
		}
	}
	c.warn.start()
	c.term.start()
	return nil
}

// StopScheduler stops both monitors before shutting the scheduler down.
func (c *Conductor) StopScheduler(ctx context.Context) error {
	c.term.stop()
	c.warn.stop()
	if c.sched.IsShutdown() {
		return nil
	}
	return c.sched.Shutdown(ctx)
}

func (c *Conductor) IsWarningTimerRunning() bool { return c.warn.running() }

func (c *Conductor) IsTerminationTimerRunning() bool { return c.term.running() }

// OnJobsStillExecuting subscribes to long-running warnings. Passes are
// skipped while nobody is subscribed.
func (c *Conductor) OnJobsStillExecuting(fn Observer) (unsubscribe func()) {
	return c.subscribe(c.warnObs, fn)
}

// OnJobsTerminated subscribes to kill reports. Passes are skipped while
// nobody is subscribed.
func (c *Conductor) OnJobsTerminated(fn Observer) (unsubscribe func()) {
	return c.subscribe(c.termObs, fn)
}

func (c *Conductor) subscribe(set map[uint64]Observer, fn Observer) func() {
	if fn == nil {
		return func() {}
	}
	c.omu.Lock()
	c.seq++
	id := c.seq
	set[id] = fn
	c.omu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.omu.Lock()
			delete(set, id)
			c.omu.Unlock()
		})
	}
}

func (c *Conductor) observers(set map[uint64]Observer) []Observer {
	c.omu.Lock()
	defer c.omu.Unlock()
	out := make([]Observer, 0, len(set))
	for _, fn := range set {
		out = append(out, fn)
	}
	return out
}

func (c *Conductor) notify(obs []Observer, typ string, msgs []string) {
	for _, fn := range obs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("monitor observer panicked", logx.String("event", typ), logx.Any("panic", r))
				}
			}()
			fn(append([]string(nil), msgs...))
		}()
	}
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: typ, Time: c.now(), Data: msgs})
	}
}

// CheckLongRunning runs one warning pass: every execution past its
// warn-after threshold is reported once.
func (c *Conductor) CheckLongRunning() []string {
	obs := c.observers(c.warnObs)
	if len(obs) == 0 {
		return nil
	}
	c.warn.suspend()
	now := c.now().UTC()
	var msgs []string
	for _, e := range c.sched.CurrentlyExecuting() {
		limit := e.Data.WarnAfter
		if limit <= 0 || e.Warned() {
			continue
		}
		minutes := e.Elapsed(now).Minutes()
		if minutes > float64(limit) && e.MarkWarned() {
			msgs = append(msgs, fmt.Sprintf("Job %s was started at %s and is still running after %.2f minutes",
				e.Key, e.FireTime.Local().Format(startedLayout), minutes))
		}
	}
	c.warn.resume()

	if len(msgs) > 0 {
		c.notify(obs, eventbus.JobsStillRunning, msgs)
	}
	return msgs
}

// CheckTermination runs one termination pass: every execution past its
// terminate-after threshold has its process killed.
func (c *Conductor) CheckTermination() []string {
	obs := c.observers(c.termObs)
	if len(obs) == 0 {
		return nil
	}
	c.term.suspend()
	now := c.now().UTC()
	var msgs []string
	for _, e := range c.sched.CurrentlyExecuting() {
		limit := e.Data.TerminateAfter
		if limit <= 0 || e.Terminated() {
			continue
		}
		minutes := e.Elapsed(now).Minutes()
		if minutes <= float64(limit) {
			continue
		}
		if err := c.KillJob(e); err != nil {
			c.log.Error("kill failed", logx.String("job", e.Key.Key()), logx.Err(err))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("Job %s was started at %s and was killed after %.2f minutes",
			e.Key, e.FireTime.Local().Format(startedLayout), minutes))
	}
	c.term.resume()

	if len(msgs) > 0 {
		c.notify(obs, eventbus.JobsTerminated, msgs)
	}
	return msgs
}

// KillJob kills the process recorded on the execution. The execution is
// marked terminated before the kill so the run reports Failed instead of
// retrying; a failed kill clears the mark again.
func (c *Conductor) KillJob(e *scheduler.Execution) error {
	pid, ok := e.ProcessID()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoProcess, e.Key)
	}
	e.MarkTerminated()
	if err := c.pm.Kill(pid); err != nil {
		e.ResetTerminated()
		return err
	}
	c.log.Warn("job process killed", logx.String("job", e.Key.Key()), logx.Int("pid", pid))
	return nil
}

// KillJobByKey kills the running execution of key.
func (c *Conductor) KillJobByKey(key jobs.Identifier) error {
	for _, e := range c.sched.CurrentlyExecuting() {
		if e.Key == key {
			return c.KillJob(e)
		}
	}
	return fmt.Errorf("%w: %s", ErrNotExecuting, key)
}
