// Package metrics turns bus events into Prometheus series.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"jobflow/internal/eventbus"
	"jobflow/internal/scheduler"
)

const namespace = "jobflow"

type Collector struct {
	Attempts *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	Skipped  *prometheus.CounterVec
	Running  prometheus.Gauge
	Warnings prometheus.Counter
	Kills    prometheus.Counter
	Up       prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers the collector's series on reg. A nil reg uses a private
// registry.
func New(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Collector{
		Attempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_attempts_total",
				Help:      "Finished job attempts by job and outcome",
			},
			[]string{"job", "outcome"},
		),
		Duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_attempt_seconds",
				Help:      "Job attempt wall time in seconds",
				Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 4 * 3600},
			},
			[]string{"job"},
		),
		Skipped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_skipped_total",
				Help:      "Fires that did not run, by job and reason",
			},
			[]string{"job", "reason"},
		),
		Running: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Executions currently in flight",
		}),
		Warnings: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "long_running_warnings_total",
			Help:      "Long-running warnings raised by the conductor",
		}),
		Kills: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_terminated_total",
			Help:      "Executions killed after their terminate threshold",
		}),
		Up: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_up",
			Help:      "1 while the scheduler is started",
		}),
		gatherer: reg,
	}
}

// Handler serves the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Run feeds the collector from bus until ctx ends.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(ev)
		}
	}
}

// Observe applies one event.
func (c *Collector) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.JobStarted:
		c.Running.Inc()
	case eventbus.JobExecuted:
		run, ok := ev.Data.(scheduler.RunEvent)
		if !ok {
			return
		}
		c.Running.Dec()
		c.Attempts.WithLabelValues(run.Job, run.Outcome).Inc()
		c.Duration.WithLabelValues(run.Job).Observe(run.Duration.Seconds())
	case eventbus.JobSkipped:
		run, ok := ev.Data.(scheduler.RunEvent)
		if !ok {
			return
		}
		c.Skipped.WithLabelValues(run.Job, run.Error).Inc()
	case eventbus.JobsStillRunning:
		if msgs, ok := ev.Data.([]string); ok {
			c.Warnings.Add(float64(len(msgs)))
		}
	case eventbus.JobsTerminated:
		if msgs, ok := ev.Data.([]string); ok {
			c.Kills.Add(float64(len(msgs)))
		}
	case eventbus.SchedulerStarted:
		c.Up.Set(1)
	case eventbus.SchedulerShutdown:
		c.Up.Set(0)
	}
}
