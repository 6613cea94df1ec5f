package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"jobflow/internal/jobs"
	"jobflow/internal/scheduler"
	logx "jobflow/pkg/logx"
)

// ErrProcessFailed is returned when the child exits with a non-zero code.
// It is retryable.
var ErrProcessFailed = errors.New("Process returned an error code")

const (
	separator     = "--------------------------------------------------------------------------"
	startedLayout = "02/01/2006 15:04:05.000"
	exitedLayout  = "15:04:05"

	// waitDelay bounds how long output copying may outlive a killed child
	waitDelay = 5 * time.Second
)

// Supervisor runs one attempt of a console job: it launches the configured
// executable, records its pid on the execution, waits for it and maps the
// exit status to an outcome. It implements scheduler.Runner.
type Supervisor struct {
	logDir string
	log    logx.Logger
	now    func() time.Time
}

func New(logDir string, log logx.Logger) *Supervisor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Supervisor{logDir: logDir, log: log, now: time.Now}
}

// LogPath is the append-only log file of a job.
func (s *Supervisor) LogPath(key jobs.Identifier) string {
	return filepath.Join(s.logDir, key.Group+"-"+key.Name+".txt")
}

func (s *Supervisor) Run(ctx context.Context, e *scheduler.Execution) error {
	e.ClearOutput()
	out := s.openOutput(e)
	defer out.close()

	data := e.Data
	if e.RefireCount() > 0 && e.RefireCount() > data.MaxRetries {
		out.line(fmt.Sprintf("No more retries available for job %s.  Setting status to Failed.", e.Key))
		e.SetOutcome(jobs.Failed)
		return nil
	}

	// exit notes are written after the error line, like a late exit callback
	defer out.flushPending()

	err := s.launch(ctx, e, out)
	switch {
	case err == nil:
		e.SetOutcome(jobs.Succeeded)
		return nil
	case e.Terminated():
		e.SetOutcome(jobs.Failed)
		return scheduler.NoRetry(fmt.Errorf("job %s was killed: %w", e.Key, err))
	case ctx.Err() != nil:
		e.SetOutcome(jobs.Failed)
		return scheduler.NoRetry(fmt.Errorf("job %s canceled: %w", e.Key, ctx.Err()))
	case scheduler.IsNoRetry(err):
		e.SetOutcome(jobs.Failed)
		return err
	default:
		out.line("Error executing job - " + err.Error())
		e.SetOutcome(jobs.Retrying)
		return err
	}
}

func (s *Supervisor) launch(ctx context.Context, e *scheduler.Execution, out *output) error {
	data := e.Data
	args, err := SplitArgs(data.Parameters)
	if err != nil {
		return scheduler.NoRetry(err)
	}

	out.line(separator)
	out.line(fmt.Sprintf("Attempt %d of %d: About to run %s at %s", e.RefireCount()+1, data.MaxRetries+1, e.Key, s.now().Format(startedLayout)))
	out.line(fmt.Sprintf("FileName: %s, Parameters: %s", data.ExecutableName, data.Parameters))

	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, data.ExecutableName, args...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	cmd.WaitDelay = waitDelay
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", data.ExecutableName, err)
	}
	e.SetProcessID(cmd.Process.Pid)
	s.log.Debug("process started", logx.String("job", e.Key.Key()), logx.Int("pid", cmd.Process.Pid))

	waitErr := cmd.Wait()
	if text := strings.TrimRight(buf.String(), "\r\n"); text != "" {
		out.line(text)
	}
	if waitErr == nil {
		return nil
	}
	var ee *exec.ExitError
	if !errors.As(waitErr, &ee) {
		return waitErr
	}
	out.pending(fmt.Sprintf("Exit event: Job %s exited at %s with an exit code of %d", e.Key, s.now().Format(exitedLayout), ee.ExitCode()))
	return ErrProcessFailed
}

// output mirrors every line to the job's log file and the execution.
type output struct {
	mu   sync.Mutex
	f    *os.File
	e    *scheduler.Execution
	log  logx.Logger
	held strings.Builder
}

func (s *Supervisor) openOutput(e *scheduler.Execution) *output {
	o := &output{e: e, log: s.log}
	if s.logDir == "" {
		return o
	}
	if err := os.MkdirAll(s.logDir, 0o755); err != nil {
		s.log.Warn("job log dir unavailable", logx.String("dir", s.logDir), logx.Err(err))
		return o
	}
	f, err := os.OpenFile(s.LogPath(e.Key), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.log.Warn("job log file unavailable", logx.String("job", e.Key.Key()), logx.Err(err))
		return o
	}
	o.f = f
	return o
}

func (o *output) line(s string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.writeLocked(s)
}

func (o *output) writeLocked(s string) {
	if o.f != nil {
		if _, err := o.f.WriteString(s + "\n"); err != nil {
			o.log.Warn("job log write failed", logx.String("job", o.e.Key.Key()), logx.Err(err))
		}
	}
	o.e.AppendOutput(s + "\n")
}

func (o *output) pending(s string) {
	o.mu.Lock()
	o.held.WriteString(s)
	o.mu.Unlock()
}

func (o *output) flushPending() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.held.Len() == 0 {
		return
	}
	o.writeLocked(o.held.String())
	o.held.Reset()
}

func (o *output) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.f != nil {
		_ = o.f.Close()
		o.f = nil
	}
}
