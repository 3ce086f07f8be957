package logging

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
)

func TestComponentFollowsReinit(t *testing.T) {
	log := Component("early")

	var buf bytes.Buffer
	InitWithHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	defer Init(slog.LevelInfo, false)

	log.With("granularity", "minute").Info("flushed", "rows", 3)

	out := buf.String()
	for _, want := range []string{"component=early", "granularity=minute", "rows=3", "msg=flushed"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got %q", want, out)
		}
	}
}

func TestEnabledUsesCurrentLevel(t *testing.T) {
	log := Component("levels")

	var buf bytes.Buffer
	InitWithHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	defer Init(slog.LevelInfo, false)

	log.Info("hidden")
	log.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("expected info record to be filtered, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("expected warn record, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestInitWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tally.log")

	closer := InitWithOptions(Options{Level: slog.LevelInfo, JSON: true, File: path, MaxSizeMB: 1})
	defer Init(slog.LevelInfo, false)

	Component("file").Info("written")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
