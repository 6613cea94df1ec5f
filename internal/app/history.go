package app

import (
	"context"
	"time"

	"jobflow/internal/scheduler"
	"jobflow/internal/storage"
	logx "jobflow/pkg/logx"
)

// historyListener appends every finished attempt to store.
func historyListener(store storage.Store, log logx.Logger) scheduler.Listener {
	return func(ctx context.Context, ev scheduler.JobEvent) {
		if ev.Kind != scheduler.WasExecuted {
			return
		}
		rec := runRecord(ev, time.Now())
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := store.AppendRun(wctx, rec); err != nil {
			log.Warn("run history append failed", logx.String("job", rec.Job), logx.Err(err))
		}
	}
}

func runRecord(ev scheduler.JobEvent, finished time.Time) storage.RunRecord {
	e := ev.Execution
	rec := storage.RunRecord{
		ExecutionID: e.ID,
		Job:         e.Key.Key(),
		Trigger:     e.Trigger,
		FireTime:    e.FireTime,
		FinishedAt:  finished.UTC(),
		Attempt:     e.RefireCount() + 1,
		Outcome:     e.Outcome().String(),
		TookMS:      ev.Duration.Milliseconds(),
	}
	if pid, ok := e.ProcessID(); ok {
		rec.PID = pid
	}
	if ev.Err != nil {
		rec.Error = ev.Err.Error()
	}
	return rec
}
