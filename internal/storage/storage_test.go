package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	logx "jobflow/pkg/logx"
)

func run(job string, i int) RunRecord {
	at := time.Date(2024, 3, 1, 10, 0, i, 0, time.UTC)
	return RunRecord{
		ExecutionID: fmt.Sprintf("exec-%d", i),
		Job:         job,
		FireTime:    at,
		FinishedAt:  at.Add(time.Second),
		Attempt:     1,
		Outcome:     "Succeeded",
		TookMS:      1000,
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}
	_, err := Open(Config{Driver: "redis"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)
}

func TestStores(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "history.db")
			cfg := Config{Driver: driver, Path: path, HistorySize: 3}

			st, err := Open(cfg, logx.Nop())
			require.NoError(t, err)

			for i := 0; i < 5; i++ {
				require.NoError(t, st.AppendRun(ctx, run("Nightly.Extract", i)))
			}
			failed := run("Nightly.Load", 9)
			failed.Outcome = "Failed"
			failed.Error = "Process returned an error code"
			failed.Trigger = "Load-0"
			require.NoError(t, st.AppendRun(ctx, failed))
			assert.Error(t, st.AppendRun(ctx, RunRecord{}))

			got, err := st.RecentRuns(ctx, "Nightly.Extract", 2)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "exec-4", got[0].ExecutionID)
			assert.Equal(t, "exec-3", got[1].ExecutionID)

			loads, err := st.RecentRuns(ctx, "Nightly.Load", 10)
			require.NoError(t, err)
			require.Len(t, loads, 1)
			assert.Equal(t, failed.Error, loads[0].Error)
			assert.Equal(t, "Load-0", loads[0].Trigger)
			assert.True(t, failed.FireTime.Equal(loads[0].FireTime))

			none, err := st.RecentRuns(ctx, "Nightly.Missing", 10)
			require.NoError(t, err)
			assert.Empty(t, none)
			require.NoError(t, st.Close())

			reopened, err := Open(cfg, logx.Nop())
			require.NoError(t, err)
			defer reopened.Close()
			got, err = reopened.RecentRuns(ctx, "Nightly.Extract", 0)
			require.NoError(t, err)
			require.NotEmpty(t, got)
			assert.Equal(t, "exec-4", got[0].ExecutionID)
		})
	}
}

func TestFileStoreKeepsHistorySize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := Config{Driver: "file", Path: filepath.Join(t.TempDir(), "runs"), HistorySize: 2}
	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, st.AppendRun(ctx, run("g.a", i)))
	}
	require.NoError(t, st.Close())

	reopened, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.RecentRuns(ctx, "g.a", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "exec-3", got[0].ExecutionID)
	assert.Equal(t, "exec-2", got[1].ExecutionID)
}

func TestFileStoreCompacts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := Config{Driver: "file", Path: filepath.Join(t.TempDir(), "runs.json"), HistorySize: 1}
	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	for i := 0; i < compactEvery; i++ {
		require.NoError(t, st.AppendRun(ctx, run("g.a", i%60)))
	}
	fs := st.(*fileStore)
	require.NoError(t, st.AppendRun(ctx, run("g.b", 1)))
	got, err := st.RecentRuns(ctx, "g.a", 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.NotNil(t, fs.journal)
	require.NoError(t, st.Close())
}
