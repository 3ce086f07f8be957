package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xtxerr/tally/internal/errors"
	"github.com/xtxerr/tally/internal/storage/config"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	valid := filepath.Join(dir, "valid.yaml")
	if err := os.WriteFile(valid, []byte("executor:\n  workers: 6\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("executor:\n  workers: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(filepath.Join(dir, "missing.yaml"), "/tmp/x.duckdb", "debug")
	if err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if cfg.Database.Path != "/tmp/x.duckdb" || cfg.Logging.Level != "debug" {
		t.Errorf("expected overrides applied, got db=%s level=%s", cfg.Database.Path, cfg.Logging.Level)
	}
	if cfg.Executor.Workers != config.DefaultConfig().Executor.Workers {
		t.Errorf("expected default workers, got %d", cfg.Executor.Workers)
	}

	cfg, err = loadConfig(valid, "", "")
	if err != nil {
		t.Fatalf("valid file: %v", err)
	}
	if cfg.Executor.Workers != 6 {
		t.Errorf("expected 6 workers, got %d", cfg.Executor.Workers)
	}

	if _, err := loadConfig(invalid, "", ""); !errors.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestPrintRequirements(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Scale.Series = 1000

	var buf bytes.Buffer
	printRequirements(&buf, cfg)

	out := buf.String()
	for _, want := range []string{"Resource Requirements", "Readings/sec", "Stored rows"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, out)
		}
	}
}
