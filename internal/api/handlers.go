// Package api is the admin HTTP surface of the scheduler host: status,
// job listing and details, pause/resume/start/kill and run history.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"jobflow/internal/conductor"
	"jobflow/internal/jobs"
	"jobflow/internal/schedule"
	"jobflow/internal/scheduler"
	"jobflow/internal/storage"
	logx "jobflow/pkg/logx"
)

// Form field and values of PUT requests.
const (
	actionField   = "actionToTake"
	actionPause   = "pause"
	actionResume  = "resume"
	actionStart   = "start"
	actionKill    = "kill"
	startedLayout = "1/2/2006 3:04:05 PM"
)

// Scheduler is the part of the scheduler the API reads and drives.
type Scheduler interface {
	Status() string
	Snapshot() scheduler.Snapshot
	JobKeys() []jobs.Identifier
	Job(key jobs.Identifier) (scheduler.Job, bool)
	Triggers(key jobs.Identifier) []schedule.Trigger
	JobStatus(key jobs.Identifier) (string, error)
	NextFireTime(trigger string) (time.Time, bool)
	CurrentlyExecuting() []*scheduler.Execution
	PauseJob(key jobs.Identifier) error
	ResumeJob(key jobs.Identifier) error
	PauseAll()
	ResumeAll()
	TriggerJob(ctx context.Context, key jobs.Identifier) error
}

// Killer stops a running job.
type Killer interface {
	KillJobByKey(key jobs.Identifier) error
}

// History serves recorded runs.
type History interface {
	RecentRuns(ctx context.Context, job string, limit int) ([]storage.RunRecord, error)
}

// Deps are the collaborators of the handlers. History, Metrics and
// Describer are optional.
type Deps struct {
	Scheduler Scheduler
	Killer    Killer
	History   History
	Metrics   http.Handler
	Describer *schedule.Factory
	Log       logx.Logger
	Now       func() time.Time
	// Profiling mounts net/http/pprof under /debug.
	Profiling bool
}

type handlers struct {
	d Deps
}

// JobDetails describes one job.
type JobDetails struct {
	Name        string            `json:"Name"`
	Description string            `json:"Description"`
	Status      string            `json:"Status"`
	NextRunAt   string            `json:"NextRunAt"`
	Properties  map[string]string `json:"Properties"`
}

// ActiveJob describes one running execution.
type ActiveJob struct {
	ID                  int       `json:"Id"`
	ExecutionID         string    `json:"ExecutionId"`
	Name                string    `json:"Name"`
	Description         string    `json:"Description"`
	StartedAt           time.Time `json:"StartedAt"`
	MinutesExecutingFor float64   `json:"MinutesExecutingFor"`
	RetryCount          int       `json:"RetryCount"`
}

func (h *handlers) now() time.Time {
	if h.d.Now != nil {
		return h.d.Now()
	}
	return time.Now()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *handlers) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(h.d.Scheduler.Status()))
	}
}

func (h *handlers) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		snap := h.d.Scheduler.Snapshot()
		code := http.StatusOK
		if snap.Status != scheduler.StatusStarted {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status":    snap.Status,
			"timezone":  snap.Timezone,
			"workers":   snap.Workers,
			"queue_len": snap.QueueLen,
			"queue_cap": snap.QueueCap,
			"jobs":      snap.Jobs,
			"executing": snap.Executing,
			"dropped":   snap.Dropped,
			"loops":     snap.Goroutines,
		})
	}
}

// handleListJobs returns every job key, or the running executions when
// criteria=executing. view=details swaps the messages for records.
func (h *handlers) handleListJobs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		criteria := strings.ToLower(strings.TrimSpace(q.Get("criteria")))
		switch criteria {
		case "":
			keys := h.d.Scheduler.JobKeys()
			names := make([]string, 0, len(keys))
			for _, k := range keys {
				names = append(names, k.Key())
			}
			writeJSON(w, http.StatusOK, names)
		case "executing":
			running := h.d.Scheduler.CurrentlyExecuting()
			if strings.EqualFold(q.Get("view"), "details") {
				writeJSON(w, http.StatusOK, h.activeJobs(running))
				return
			}
			writeJSON(w, http.StatusOK, h.executingMessages(running))
		default:
			http.NotFound(w, r)
		}
	}
}

func (h *handlers) executingMessages(running []*scheduler.Execution) []string {
	now := h.now()
	out := make([]string, 0, len(running))
	for _, e := range running {
		out = append(out, fmt.Sprintf("Job %s was started at %s and has been running for %.2f minutes",
			e.Key.Key(), e.FireTime.Local().Format(startedLayout), e.Elapsed(now).Minutes()))
	}
	return out
}

func (h *handlers) activeJobs(running []*scheduler.Execution) []ActiveJob {
	now := h.now()
	out := make([]ActiveJob, 0, len(running))
	for _, e := range running {
		a := ActiveJob{
			ExecutionID:         e.ID,
			Name:                e.Key.Key(),
			StartedAt:           e.FireTime,
			MinutesExecutingFor: e.Elapsed(now).Minutes(),
			RetryCount:          e.RefireCount(),
		}
		if pid, ok := e.ProcessID(); ok {
			a.ID = pid
		}
		if job, ok := h.d.Scheduler.Job(e.Key); ok {
			a.Description = job.Description
		}
		out = append(out, a)
	}
	return out
}

// lookup resolves the {id} path parameter to a known job.
func (h *handlers) lookup(r *http.Request) (scheduler.Job, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		return scheduler.Job{}, false
	}
	return h.d.Scheduler.Job(jobs.ParseKey(id))
}

func (h *handlers) handleJobDetails() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := h.lookup(r)
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, h.details(job))
	}
}

func (h *handlers) details(job scheduler.Job) JobDetails {
	triggers := h.d.Scheduler.Triggers(job.Key)
	def := jobs.Definition{Group: job.Key.Group, Name: job.Key.Name}
	if len(triggers) > 0 && triggers[0].Timezone != "" {
		def.RunSchedule = &jobs.RunSchedule{Timezone: triggers[0].Timezone}
	}
	describer := h.d.Describer
	if describer == nil {
		describer = schedule.NewFactory(h.d.Log)
	}
	next := describer.DescribeNextFirings(def, triggers, func(t schedule.Trigger) (time.Time, bool) {
		return h.d.Scheduler.NextFireTime(t.Name)
	})

	status, err := h.d.Scheduler.JobStatus(job.Key)
	if err != nil {
		status = scheduler.JobUnscheduled
	}
	return JobDetails{
		Name:        job.Key.Key(),
		Description: job.Description,
		Status:      status,
		NextRunAt:   next,
		Properties:  job.Data.Properties(),
	}
}

func (h *handlers) handleJobRuns() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := h.lookup(r)
		if !ok {
			http.NotFound(w, r)
			return
		}
		if h.d.History == nil {
			writeJSON(w, http.StatusOK, []storage.RunRecord{})
			return
		}
		limit := 20
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = n
		}
		runs, err := h.d.History.RecentRuns(r.Context(), job.Key.Key(), limit)
		if err != nil {
			h.d.Log.Warn("run history read failed", logx.String("job", job.Key.Key()), logx.Err(err))
			http.Error(w, "run history unavailable", http.StatusInternalServerError)
			return
		}
		if runs == nil {
			runs = []storage.RunRecord{}
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func action(r *http.Request) string {
	return strings.ToLower(strings.TrimSpace(r.FormValue(actionField)))
}

// handleAllJobsAction pauses or resumes every job.
func (h *handlers) handleAllJobsAction() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a := action(r)
		switch a {
		case actionPause:
			h.d.Scheduler.PauseAll()
		case actionResume:
			h.d.Scheduler.ResumeAll()
		default:
			http.Error(w, fmt.Sprintf("unsupported action %q", a), http.StatusBadRequest)
			return
		}
		h.d.Log.Info("api action", logx.String("action", a), logx.String("job", "*"))
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *handlers) handleJobAction() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := h.lookup(r)
		if !ok {
			http.NotFound(w, r)
			return
		}
		a := action(r)
		var err error
		switch a {
		case actionPause:
			err = h.d.Scheduler.PauseJob(job.Key)
		case actionResume:
			err = h.d.Scheduler.ResumeJob(job.Key)
		case actionStart:
			err = h.d.Scheduler.TriggerJob(context.WithoutCancel(r.Context()), job.Key)
		case actionKill:
			if h.d.Killer == nil {
				http.Error(w, "kill not supported", http.StatusNotImplemented)
				return
			}
			err = h.d.Killer.KillJobByKey(job.Key)
			if errors.Is(err, conductor.ErrNotExecuting) {
				http.Error(w, fmt.Sprintf("Job '%s' is not currently executing.", job.Key.Key()), http.StatusBadRequest)
				return
			}
			if err != nil {
				h.d.Log.Warn("kill failed", logx.String("job", job.Key.Key()), logx.Err(err))
			}
		default:
			http.Error(w, fmt.Sprintf("unsupported action %q", a), http.StatusBadRequest)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), statusOf(err))
			return
		}
		h.d.Log.Info("api action", logx.String("action", a), logx.String("job", job.Key.Key()))
		w.WriteHeader(http.StatusNoContent)
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrJobRunning), errors.Is(err, conductor.ErrNoProcess):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrNotStarted), errors.Is(err, scheduler.ErrShutdown), errors.Is(err, scheduler.ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
