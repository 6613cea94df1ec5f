package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

const (
	alertQueueSize = 256
	alertMaxLen    = 3500
)

// startAlertsLocked opens the alerts file and starts the writer goroutine.
// Caller holds s.mu.
func (s *Service) startAlertsLocked(cfg AlertsConfig) *alertWriter {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./jobflow.alerts.log"
	}
	if dir := filepath.Dir(path); dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logx: failed opening alerts file %q: %v\n", path, err)
		return nil
	}

	q := make(chan []byte, alertQueueSize)
	ctx, cancel := context.WithCancel(context.Background())
	s.alertFile = f
	s.alertQueue = q
	s.alertCancel = cancel

	s.alertWG.Add(1)
	go func() {
		defer s.alertWG.Done()
		alertWorker(ctx, f, q)
	}()
	return &alertWriter{svc: s, queue: q}
}

func (s *Service) stopAlerts() {
	s.mu.Lock()
	cancel := s.alertCancel
	f := s.alertFile
	s.alertCancel = nil
	s.alertFile = nil
	s.alertQueue = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.alertWG.Wait()
	if f != nil {
		_ = f.Close()
	}
}

func alertWorker(ctx context.Context, f *os.File, q <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			// Drain whatever was queued before the stop.
			for {
				select {
				case line := <-q:
					_, _ = f.Write(line)
				default:
					return
				}
			}
		case line := <-q:
			_, _ = f.Write(line)
		}
	}
}

// alertWriter is a zerolog LevelWriter that never blocks the caller.
type alertWriter struct {
	svc   *Service
	queue chan []byte
}

func (w *alertWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *alertWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	s.mu.Lock()
	lim := s.limiter
	minLevel := s.minLevel
	s.mu.Unlock()

	if level < minLevel {
		return len(p), nil
	}
	if lim != nil && !lim.Allow() {
		return len(p), nil
	}
	line := formatAlertLine(p)
	if line == "" {
		return len(p), nil
	}
	select {
	case w.queue <- []byte(line + "\n"):
	default:
		// drop
	}
	return len(p), nil
}

// formatAlertLine renders a zerolog JSON line as "time [LEVEL] message k=v ...".
func formatAlertLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(p))), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), alertMaxLen)
	}

	ts, _ := m["time"].(string)
	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if ts != "" {
		b.WriteString(ts)
		b.WriteString(" ")
	}
	if lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", zerolog.CallerFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(fmt.Sprint(m[k]), 600))
	}
	return truncate(b.String(), alertMaxLen)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
