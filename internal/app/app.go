// Package app hosts the job orchestration core: it loads the host config
// and the job documents, wires the scheduler, process supervisor and
// conductor together and runs them with the admin API, metrics and run
// history until stopped.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"jobflow/internal/api"
	"jobflow/internal/conductor"
	"jobflow/internal/config"
	"jobflow/internal/eventbus"
	"jobflow/internal/jobs"
	"jobflow/internal/metrics"
	"jobflow/internal/process"
	"jobflow/internal/runtime/supervisor"
	"jobflow/internal/schedule"
	"jobflow/internal/scheduler"
	"jobflow/internal/storage"
	logx "jobflow/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	procs   *process.Supervisor
	sched   *scheduler.Service
	cond    *conductor.Conductor
	metrics *metrics.Collector
	api     *api.Server

	unsubs []func()
}

// Catalog is the content of the job and calendar documents. Calendars
// start with the built-in Weekdays calendar.
type Catalog struct {
	Jobs      []jobs.Definition
	Calendars []schedule.Calendar
}

// LoadCatalog reads the documents named by cfg.
func LoadCatalog(cfg *config.Config) (Catalog, error) {
	defs, err := config.LoadJobsFile(cfg.Jobs.JobsFile)
	if err != nil {
		return Catalog{}, fmt.Errorf("jobs: %w", err)
	}
	calDefs, err := config.LoadCalendarsFile(cfg.Jobs.CalendarsFile)
	if err != nil {
		return Catalog{}, fmt.Errorf("calendars: %w", err)
	}
	cals := append([]schedule.Calendar{schedule.Weekdays()}, schedule.BuildCalendars(calDefs)...)
	return Catalog{Jobs: defs, Calendars: cals}, nil
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	root := log
	log = log.With(logx.String("comp", "app"))

	fail := func(err error) (*App, error) {
		_ = logSvc.Close()
		return nil, err
	}

	catalog, err := LoadCatalog(cfg)
	if err != nil {
		return fail(err)
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return fail(err)
	}
	condCfg, err := mapConductorConfig(cfg)
	if err != nil {
		return fail(err)
	}
	apiCfg, apiEnabled, err := mapAPIConfig(cfg)
	if err != nil {
		return fail(err)
	}

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return fail(err)
	} else if enabled {
		st, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
		if err != nil {
			return fail(err)
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	procs := process.New(jobLogDir(cfg), root.With(logx.String("comp", "process")))
	sched := scheduler.New(schedCfg, procs, root.With(logx.String("comp", "scheduler")), bus)

	cond, err := conductor.New(catalog.Jobs, catalog.Calendars, condCfg, sched, process.OSManager{},
		conductor.WithLogger(root.With(logx.String("comp", "conductor"))),
		conductor.WithBus(bus),
	)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return fail(err)
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		procs:   procs,
		sched:   sched,
		cond:    cond,
	}

	// Operator-facing monitor output.
	a.unsubs = append(a.unsubs,
		cond.OnJobsStillExecuting(func(msgs []string) {
			for _, m := range msgs {
				log.Warn("WARNING - " + m)
			}
		}),
		cond.OnJobsTerminated(func(msgs []string) {
			for _, m := range msgs {
				log.Error("ERROR - " + m)
			}
		}),
	)

	if store != nil {
		sched.AddJobListener("history", historyListener(store, log), scheduler.AnyGroup())
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(reg)

	if apiEnabled {
		deps := api.Deps{
			Scheduler: sched,
			Killer:    cond,
			Metrics:   a.metrics.Handler(),
			Describer: schedule.NewFactory(root.With(logx.String("comp", "api"))),
			Profiling: cfg.API.Pprof,
		}
		if store != nil {
			deps.History = store
		}
		a.api = api.NewServer(apiCfg, deps, root.With(logx.String("comp", "api")))
	}

	log.Info("jobs loaded", logx.Int("jobs", len(catalog.Jobs)), logx.Int("calendars", len(catalog.Calendars)))
	return a, nil
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Conductor() *conductor.Conductor { return a.cond }
func (a *App) Store() storage.Store { return a.store }
func (a *App) API() *api.Server { return a.api }
func (a *App) Logger() logx.Logger { return a.log }
func (a *App) ConfigManager() *config.Manager { return a.cfgm }
func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapConductorConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		_, _, err := mapAPIConfig(cfg)
		return err
	})

	if err := a.cond.StartScheduler(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("metrics.collect", func(c context.Context) error {
		return a.metrics.Run(c, a.bus)
	})

	if a.api != nil {
		a.api.Start(a.sup.Context())
	}

	// Keep this debug-level to avoid noise from frequent jobs.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("status", a.sched.Status()))
	return nil
}

// applyConfig hot-applies logging; any other change is reported as needing
// a restart.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.logs.Apply(mapLogConfig(next))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", restart))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// Scheduler first, so running processes are cancelled before the
	// background loops unwind.
	a.step(ctx, "api", time.Second, func(c context.Context) error {
		if a.api != nil {
			a.api.Stop(c)
		}
		return nil
	})
	a.step(ctx, "scheduler", 10*time.Second, a.cond.StopScheduler)

	a.sup.Cancel()
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	for _, u := range a.unsubs {
		u()
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
