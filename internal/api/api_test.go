package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"jobflow/internal/conductor"
	"jobflow/internal/jobs"
	"jobflow/internal/schedule"
	"jobflow/internal/scheduler"
	"jobflow/internal/storage"
	logx "jobflow/pkg/logx"
)


type fakeScheduler struct {
	mu        sync.Mutex
	status    string
	jobs      map[jobs.Identifier]scheduler.Job
	triggers  map[jobs.Identifier][]schedule.Trigger
	next      map[string]time.Time
	executing []*scheduler.Execution
	calls     []string
	triggerFn func(jobs.Identifier) error
}

func (f *fakeScheduler) record(s string) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}

func (f *fakeScheduler) Status() string { return f.status }
func (f *fakeScheduler) Snapshot() scheduler.Snapshot {
	return scheduler.Snapshot{Status: f.status, Jobs: len(f.jobs), Executing: len(f.executing)}
}
func (f *fakeScheduler) JobKeys() []jobs.Identifier {
	return []jobs.Identifier{jobs.ID("Nightly", "Extract"), jobs.ID("Nightly", "Load")}
}
func (f *fakeScheduler) Job(key jobs.Identifier) (scheduler.Job, bool) {
	j, ok := f.jobs[key]
	return j, ok
}
func (f *fakeScheduler) Triggers(key jobs.Identifier) []schedule.Trigger { return f.triggers[key] }
func (f *fakeScheduler) JobStatus(key jobs.Identifier) (string, error) {
	if len(f.triggers[key]) == 0 {
		return scheduler.JobUnscheduled, nil
	}
	return string(scheduler.StateNormal), nil
}
func (f *fakeScheduler) NextFireTime(name string) (time.Time, bool) {
	t, ok := f.next[name]
	return t, ok
}
func (f *fakeScheduler) CurrentlyExecuting() []*scheduler.Execution { return f.executing }
func (f *fakeScheduler) PauseJob(key jobs.Identifier) error {
	f.record("pause:" + key.Key())
	return nil
}
func (f *fakeScheduler) ResumeJob(key jobs.Identifier) error {
	f.record("resume:" + key.Key())
	return nil
}
func (f *fakeScheduler) PauseAll()  { f.record("pause:*") }
func (f *fakeScheduler) ResumeAll() { f.record("resume:*") }
func (f *fakeScheduler) TriggerJob(_ context.Context, key jobs.Identifier) error {
	f.record("start:" + key.Key())
	if f.triggerFn != nil {
		return f.triggerFn(key)
	}
	return nil
}

type fakeKiller struct {
	running map[jobs.Identifier]bool
	err     error
}

func (k fakeKiller) KillJobByKey(key jobs.Identifier) error {
	if !k.running[key] {
		return fmt.Errorf("%w: %s", conductor.ErrNotExecuting, key)
	}
	return k.err
}

type fakeHistory struct{ runs []storage.RunRecord }

func (h fakeHistory) RecentRuns(_ context.Context, job string, limit int) ([]storage.RunRecord, error) {
	var out []storage.RunRecord
	for _, r := range h.runs {
		if r.Job == job && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

var now = time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) (*fakeScheduler, http.Handler) {
	t.Helper()
	extract := jobs.ID("Nightly", "Extract")
	load := jobs.ID("Nightly", "Load")

	running := scheduler.NewExecution(extract, scheduler.JobData{ExecutableName: "extract.sh"}, "Extract-0", now.Add(-90*time.Second))
	running.SetProcessID(4242)
	running.Refire()

	f := &fakeScheduler{
		status: scheduler.StatusStarted,
		jobs: map[jobs.Identifier]scheduler.Job{
			extract: {Key: extract, Description: "pull the feed", Data: scheduler.JobData{ExecutableName: "extract.sh", Parameters: "-v", MaxRetries: 2}},
			load:    {Key: load, Durable: true, Data: scheduler.JobData{ExecutableName: "load.sh"}},
		},
		triggers: map[jobs.Identifier][]schedule.Trigger{
			extract: {{Name: "Extract-0", Hour: 2, Minute: 30, Timezone: "UTC"}},
		},
		next:      map[string]time.Time{"Extract-0": time.Date(2024, 3, 5, 2, 30, 0, 0, time.UTC)},
		executing: []*scheduler.Execution{running},
	}
	factory := schedule.NewFactory(logx.Nop())
	factory.Local = time.UTC
	h := NewHandler(Deps{
		Scheduler: f,
		Killer:    fakeKiller{running: map[jobs.Identifier]bool{extract: true}},
		History: fakeHistory{runs: []storage.RunRecord{
			{ExecutionID: "b", Job: "Nightly.Extract", Outcome: "Failed"},
			{ExecutionID: "a", Job: "Nightly.Extract", Outcome: "Succeeded"},
		}},
		Metrics:   http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics")) }),
		Describer: factory,
		Now:       func() time.Time { return now },
	}, nil)
	return f, h
}

func do(h http.Handler, method, target string, form url.Values) *httptest.ResponseRecorder {
	var body *strings.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	} else {
		body = strings.NewReader("")
	}
	req := httptest.NewRequest(method, target, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestStatusAndCORS(t *testing.T) {
	t.Parallel()
	_, h := newFixture(t)
	rr := do(h, http.MethodGet, "/scheduler/status", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Started", rr.Body.String())
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "PUT,POST,GET", rr.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Accept, Origin, Content-type", rr.Header().Get("Access-Control-Allow-Headers"))
}

func TestListJobs(t *testing.T) {
	t.Parallel()
	_, h := newFixture(t)

	rr := do(h, http.MethodGet, "/scheduler/jobs", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var names []string
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&names))
	assert.Equal(t, []string{"Nightly.Extract", "Nightly.Load"}, names)

	rr = do(h, http.MethodGet, "/scheduler/jobs?criteria=Executing", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var msgs []string
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&msgs))
	require.Len(t, msgs, 1)
	assert.True(t, strings.HasPrefix(msgs[0], "Job Nightly.Extract was started at "), msgs[0])
	assert.True(t, strings.HasSuffix(msgs[0], "and has been running for 1.50 minutes"), msgs[0])

	rr = do(h, http.MethodGet, "/scheduler/jobs?criteria=executing&view=details", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var active []ActiveJob
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&active))
	require.Len(t, active, 1)
	assert.Equal(t, 4242, active[0].ID)
	assert.Equal(t, "pull the feed", active[0].Description)
	assert.Equal(t, 1, active[0].RetryCount)
	assert.InDelta(t, 1.5, active[0].MinutesExecutingFor, 0.001)

	rr = do(h, http.MethodGet, "/scheduler/jobs?criteria=paused", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestJobDetails(t *testing.T) {
	t.Parallel()
	_, h := newFixture(t)

	rr := do(h, http.MethodGet, "/scheduler/jobs/Nightly.Extract", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var d JobDetails
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&d))
	assert.Equal(t, "Nightly.Extract", d.Name)
	assert.Equal(t, "pull the feed", d.Description)
	assert.Equal(t, "Normal", d.Status)
	assert.Equal(t, "Tuesday, 5 March 2024 02:30:00 UTC\n", d.NextRunAt)
	assert.Equal(t, "extract.sh", d.Properties["ExecutableName"])
	assert.Equal(t, "2", d.Properties["MaxRetries"])

	rr = do(h, http.MethodGet, "/scheduler/jobs/Nightly.Load", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&d))
	assert.Equal(t, "Job does not have a specific trigger", d.NextRunAt)
	assert.Equal(t, "Unscheduled", d.Status)

	rr = do(h, http.MethodGet, "/scheduler/jobs/Nightly.Missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestJobRuns(t *testing.T) {
	t.Parallel()
	_, h := newFixture(t)

	rr := do(h, http.MethodGet, "/scheduler/jobs/Nightly.Extract/runs?limit=1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var runs []storage.RunRecord
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "b", runs[0].ExecutionID)

	rr = do(h, http.MethodGet, "/scheduler/jobs/Nightly.Load/runs", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())

	rr = do(h, http.MethodGet, "/scheduler/jobs/Nightly.Extract/runs?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestJobActions(t *testing.T) {
	t.Parallel()
	f, h := newFixture(t)

	for _, a := range []string{"pause", "Resume", "start"} {
		rr := do(h, http.MethodPut, "/scheduler/jobs/Nightly.Load", url.Values{"actionToTake": {a}})
		assert.Equal(t, http.StatusNoContent, rr.Code, a)
	}
	rr := do(h, http.MethodPut, "/scheduler/jobs", url.Values{"actionToTake": {"pause"}})
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = do(h, http.MethodPut, "/scheduler/jobs", url.Values{"actionToTake": {"resume"}})
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, []string{"pause:Nightly.Load", "resume:Nightly.Load", "start:Nightly.Load", "pause:*", "resume:*"}, f.calls)

	rr = do(h, http.MethodPut, "/scheduler/jobs/Nightly.Extract", url.Values{"actionToTake": {"kill"}})
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = do(h, http.MethodPut, "/scheduler/jobs/Nightly.Load", url.Values{"actionToTake": {"kill"}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "Job 'Nightly.Load' is not currently executing.\n", rr.Body.String())

	rr = do(h, http.MethodPut, "/scheduler/jobs/Nightly.Missing", url.Values{"actionToTake": {"start"}})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(h, http.MethodPut, "/scheduler/jobs/Nightly.Load", url.Values{"actionToTake": {"explode"}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = do(h, http.MethodPut, "/scheduler/jobs", url.Values{"actionToTake": {"start"}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStartErrorsMapToStatus(t *testing.T) {
	t.Parallel()
	f, h := newFixture(t)
	cases := []struct {
		err  error
		code int
	}{
		{scheduler.ErrJobRunning, http.StatusConflict},
		{scheduler.ErrNotStarted, http.StatusServiceUnavailable},
		{scheduler.ErrQueueFull, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		f.triggerFn = func(jobs.Identifier) error { return tc.err }
		rr := do(h, http.MethodPut, "/scheduler/jobs/Nightly.Load", url.Values{"actionToTake": {"start"}})
		assert.Equal(t, tc.code, rr.Code, tc.err.Error())
	}
}

func TestKillErrorsMapToStatus(t *testing.T) {
	t.Parallel()
	f, _ := newFixture(t)
	extract := jobs.ID("Nightly", "Extract")
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: Nightly.Extract", conductor.ErrNoProcess), http.StatusConflict},
		{errors.New("kill process 4242: operation not permitted"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h := NewHandler(Deps{
			Scheduler: f,
			Killer:    fakeKiller{running: map[jobs.Identifier]bool{extract: true}, err: tc.err},
		}, nil)
		rr := do(h, http.MethodPut, "/scheduler/jobs/Nightly.Extract", url.Values{"actionToTake": {"kill"}})
		assert.Equal(t, tc.code, rr.Code, tc.err.Error())
		assert.NotContains(t, rr.Body.String(), "not currently executing")
	}
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	f, h := newFixture(t)

	rr := do(h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"executing":1`)

	f.status = scheduler.StatusStandby
	rr = do(h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = do(h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, "# metrics", rr.Body.String())

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/debug/pprof/", nil).Code)
	profiled := NewHandler(Deps{Scheduler: f, Profiling: true}, nil)
	rr = do(profiled, http.MethodGet, "/debug/pprof/cmdline", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	f, _ := newFixture(t)
	h := NewHandler(Deps{Scheduler: f}, rate.NewLimiter(rate.Every(time.Hour), 1))

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/scheduler/status", nil).Code)
	rr := do(h, http.MethodGet, "/scheduler/status", nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
}

func TestServerServesAndStops(t *testing.T) {
	t.Parallel()
	f, _ := newFixture(t)
	srv := NewServer(Config{Addr: "127.0.0.1:0"}, Deps{Scheduler: f}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv.Start(ctx)
	srv.Start(ctx)
	require.Eventually(t, func() bool { return srv.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + srv.Addr() + "/scheduler/status")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer stopCancel()
	srv.Stop(stopCtx)
	assert.Nil(t, srv.Supervisor())
	assert.Empty(t, srv.Addr())
}
