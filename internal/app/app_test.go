package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"jobflow/internal/config"
	"jobflow/internal/jobs"
	"jobflow/internal/scheduler"
	"jobflow/internal/storage"
	logx "jobflow/pkg/logx"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

// fixture writes a host config plus job and calendar documents and returns
// the config path.
func fixture(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	jobsPath := writeFile(t, dir, "jobs.json", `[
  {"JobName": "Extract", "Group": "Nightly", "ExecutableName": "sh", "Parameters": "-c \"echo extracted\"",
   "RunSchedule": {"RunAt": "02:30", "RunOnDays": "Mon,Tue", "ExclusionCalendar": "Holidays"}},
  {"JobName": "Load", "Group": "Nightly", "ExecutableName": "sh", "Parameters": "-c \"echo loaded\"",
   "RunOnSuccessOf": {"Group": "Nightly", "JobName": "Extract"}}
]`)
	calPath := writeFile(t, dir, "calendars.json", `[
  {"CalendarName": "Holidays", "Action": "Exclude", "Dates": ["2024-12-25"]}
]`)
	cfg := fmt.Sprintf(`{
  "logging": {"level": "error"},
  "scheduler": {"workers": 2, "timezone": "UTC"},
  "jobs": {"jobs_file": %q, "calendars_file": %q, "log_path": %q}%s
}`, jobsPath, calPath, filepath.Join(dir, "logs"), extra)
	return writeFile(t, dir, "jobflow.json", cfg)
}

func loadConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	cfg, err := config.NewManager(writeFile(t, t.TempDir(), "jobflow.json", body)).Load()
	require.NoError(t, err)
	return cfg
}

func TestMapSchedulerConfig(t *testing.T) {
	t.Parallel()
	cfg := loadConfig(t, `{"scheduler": {"workers": 3, "timezone": " UTC ", "max_refires": 5, "refire_max": "10s"}, "jobs": {"jobs_file": "jobs.json"}}`)
	sc, err := mapSchedulerConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, sc.Workers)
	assert.Equal(t, "UTC", sc.Timezone)
	assert.Equal(t, 5, sc.MaxRefires)
	assert.Equal(t, time.Second, sc.RefireBase)
	assert.Equal(t, 10*time.Second, sc.RefireMax)

	cfg.Scheduler.Timezone = "Mars/Olympus"
	_, err = mapSchedulerConfig(cfg)
	assert.Error(t, err)
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	cfg := loadConfig(t, `{"jobs": {"jobs_file": "jobs.json"}}`)
	_, enabled, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.False(t, enabled)

	cfg.Storage = &config.StorageConfig{Driver: "File"}
	sc, enabled, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, storage.Config{Driver: "file", Path: "./data/history"}, sc)

	cfg.Storage = &config.StorageConfig{Driver: "sqlite", Path: "runs.db"}
	sc, enabled, err = mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, time.Second, sc.BusyTimeout)

	cfg.Storage = &config.StorageConfig{Driver: "sqlite"}
	_, _, err = mapStorageConfig(cfg)
	assert.Error(t, err)

	cfg.Storage = &config.StorageConfig{Driver: "none"}
	_, enabled, err = mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestMapAPIConfig(t *testing.T) {
	t.Parallel()
	cfg := loadConfig(t, `{"jobs": {"jobs_file": "jobs.json"}, "api": {"enabled": true, "read_timeout": "2s"}}`)
	ac, enabled, err := mapAPIConfig(cfg)
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, "127.0.0.1:9000", ac.Addr)
	assert.Equal(t, 2*time.Second, ac.ReadTimeout)
	assert.Equal(t, 10*time.Second, ac.WriteTimeout)

	cfg.API.Enabled = false
	_, enabled, err = mapAPIConfig(cfg)
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.Equal(t, "./logs", jobLogDir(cfg))
}

func TestLoadCatalog(t *testing.T) {
	t.Parallel()
	cfg, err := config.NewManager(fixture(t, "")).Load()
	require.NoError(t, err)

	cat, err := LoadCatalog(cfg)
	require.NoError(t, err)
	require.Len(t, cat.Jobs, 2)
	require.Len(t, cat.Calendars, 2)
	assert.Equal(t, "Weekdays", cat.Calendars[0].Name())
	assert.Equal(t, "Holidays", cat.Calendars[1].Name())

	cfg.Jobs.JobsFile = filepath.Join(t.TempDir(), "missing.json")
	_, err = LoadCatalog(cfg)
	assert.Error(t, err)
}

type memStore struct {
	mu   sync.Mutex
	runs []storage.RunRecord
	err  error
}

func (m *memStore) AppendRun(_ context.Context, r storage.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.runs = append(m.runs, r)
	return nil
}

func (m *memStore) RecentRuns(context.Context, string, int) ([]storage.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.RunRecord(nil), m.runs...), nil
}

func (m *memStore) Close() error { return nil }

func TestHistoryListener(t *testing.T) {
	t.Parallel()
	fired := time.Date(2024, 3, 5, 2, 30, 0, 0, time.UTC)
	exec := scheduler.NewExecution(jobs.ID("Nightly", "Extract"), scheduler.JobData{}, "Trigger_0_for_Extract", fired)
	exec.Refire()
	exec.SetProcessID(4242)
	exec.SetOutcome(jobs.Failed)

	st := &memStore{}
	l := historyListener(st, logx.Nop())
	l(context.Background(), scheduler.JobEvent{Kind: scheduler.ToBeExecuted, Execution: exec})
	l(context.Background(), scheduler.JobEvent{Kind: scheduler.WasExecuted, Execution: exec, Err: errors.New("exit status 3"), Duration: 1500 * time.Millisecond})

	require.Len(t, st.runs, 1)
	r := st.runs[0]
	assert.Equal(t, exec.ID, r.ExecutionID)
	assert.Equal(t, "Nightly.Extract", r.Job)
	assert.Equal(t, "Trigger_0_for_Extract", r.Trigger)
	assert.Equal(t, fired, r.FireTime)
	assert.Equal(t, 2, r.Attempt)
	assert.Equal(t, jobs.Failed.String(), r.Outcome)
	assert.Equal(t, int64(1500), r.TookMS)
	assert.Equal(t, "exit status 3", r.Error)
	assert.Equal(t, 4242, r.PID)

	// append failures are logged, not raised
	st.err = errors.New("disk full")
	l(context.Background(), scheduler.JobEvent{Kind: scheduler.WasExecuted, Execution: exec})
	assert.Len(t, st.runs, 1)
}

func TestStopReasonOf(t *testing.T) {
	t.Parallel()
	assert.Equal(t, StopSIGINT, stopReasonOf(os.Interrupt))
	assert.Equal(t, StopSIGTERM, stopReasonOf(syscall.SIGTERM))
	assert.Equal(t, StopUnknown, stopReasonOf(syscall.SIGHUP))
}

func TestCheck(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	now := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC) // Monday
	require.NoError(t, Check(fixture(t, ""), &out, now))

	s := out.String()
	assert.Contains(t, s, "Configuration OK (2 jobs, 2 calendars, 1 links)")
	assert.Contains(t, s, "Tuesday, 5 March 2024 02:30:00 UTC")
	assert.Contains(t, s, "on demand")
	assert.Contains(t, s, "Nightly.Extract -> Nightly.Load")
}

func TestCheckRejectsBadDocuments(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	jobsPath := writeFile(t, dir, "jobs.json", `[
  {"JobName": "A", "Group": "G", "ExecutableName": "x"},
  {"JobName": "B", "Group": "G", "ExecutableName": "x", "RunOnSuccessOf": {"Group": "G", "JobName": "C"}}
]`)
	cfgPath := writeFile(t, dir, "jobflow.json", fmt.Sprintf(`{"jobs": {"jobs_file": %q}}`, jobsPath))
	assert.Error(t, Check(cfgPath, &bytes.Buffer{}, time.Now()))

	missingCal := writeFile(t, dir, "jobs2.json", `[
  {"JobName": "A", "Group": "G", "ExecutableName": "x",
   "RunSchedule": {"RunAt": "01:00", "RunOnDays": "Mon", "ExclusionCalendar": "Nope"}}
]`)
	cfgPath = writeFile(t, dir, "jobflow2.json", fmt.Sprintf(`{"jobs": {"jobs_file": %q}}`, missingCal))
	err := Check(cfgPath, &bytes.Buffer{}, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Nope")
}

func TestAppRunsTriggeredChain(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	t.Parallel()
	historyDir := t.TempDir()
	cfgPath := fixture(t, fmt.Sprintf(`,
  "storage": {"driver": "file", "path": %q},
  "api": {"enabled": true, "addr": "127.0.0.1:0"}`, filepath.Join(historyDir, "runs")))

	a, err := New(cfgPath)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	assert.Equal(t, scheduler.StatusStarted, a.Scheduler().Status())

	require.Eventually(t, func() bool { return a.API().Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + a.API().Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, a.Scheduler().TriggerJob(ctx, jobs.ID("Nightly", "Extract")))

	// Load runs on Extract's success.
	require.Eventually(t, func() bool {
		runs, err := a.Store().RecentRuns(ctx, "Nightly.Load", 1)
		return err == nil && len(runs) == 1
	}, 10*time.Second, 20*time.Millisecond)

	extract, err := a.Store().RecentRuns(ctx, "Nightly.Extract", 0)
	require.NoError(t, err)
	require.Len(t, extract, 1)
	assert.Equal(t, jobs.Succeeded.String(), extract[0].Outcome)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopServiceStop))
	assert.Equal(t, scheduler.StatusShutdown, a.Scheduler().Status())
	select {
	case <-a.Done():
	default:
		t.Fatal("app context still live after Stop")
	}
}
