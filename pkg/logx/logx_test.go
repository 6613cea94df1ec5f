package logx

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoggerWithFieldsWritesJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := FromZerolog(zerolog.New(&buf)).With(String("comp", "test"))

	log.Info("hello", Int("n", 3))

	out := buf.String()
	for _, want := range []string{`"comp":"test"`, `"n":3`, `"message":"hello"`, `"caller":"logx_test.go:`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %s", out, want)
		}
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("ignored")
	if Nop().IsZero() {
		t.Fatal("Nop logger is not zero")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestAlertsSinkMirrorsWarnings(t *testing.T) {
	dir := t.TempDir()
	alerts := filepath.Join(dir, "alerts.log")

	svc, log := New(Config{
		Level:   "debug",
		Console: false,
		File:    FileConfig{Enabled: true, Path: filepath.Join(dir, "main.log")},
		Alerts:  AlertsConfig{Enabled: true, Path: alerts, MinLevel: "warn", RatePerSec: 100},
	})

	log.Info("routine line")
	log.Warn("WARNING - Job a.b is still running", String("job", "a.b"))
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(alerts)
	if err != nil {
		t.Fatalf("read alerts: %v", err)
	}
	got := string(b)
	if strings.Contains(got, "routine line") {
		t.Fatalf("info line leaked into alerts: %q", got)
	}
	if !strings.Contains(got, "[WARN] WARNING - Job a.b is still running job=a.b") {
		t.Fatalf("alerts file = %q", got)
	}
}

func TestFormatAlertLineFallsBackToRaw(t *testing.T) {
	t.Parallel()
	if got := formatAlertLine([]byte("  not json \n")); got != "not json" {
		t.Fatalf("formatAlertLine = %q", got)
	}
}
