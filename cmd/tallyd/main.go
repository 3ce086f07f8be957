// tallyd runs the pin-telemetry aggregation engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xtxerr/tally/internal/errors"
	"github.com/xtxerr/tally/internal/logging"
	"github.com/xtxerr/tally/internal/metrics"
	"github.com/xtxerr/tally/internal/storage"
	"github.com/xtxerr/tally/internal/storage/config"
)

// Version is set at build time via ldflags
var Version = "dev"

var log = logging.Component("tallyd")

func main() {
	// CLI flags
	cfgPath := flag.String("config", "tally.yaml", "config file path")
	dbPath := flag.String("db", "", "database path (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	requirements := flag.Bool("requirements", false, "print sizing estimates and exit")
	flag.Parse()

	cfg, err := loadConfig(*cfgPath, *dbPath, *logLevel)
	if err != nil {
		if errors.IsValidation(err) {
			fmt.Fprintf(os.Stderr, "invalid config %s: %v\n", *cfgPath, err)
		} else {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		}
		os.Exit(1)
	}

	if *requirements {
		printRequirements(os.Stdout, cfg)
		return
	}

	closer := logging.InitWithOptions(logging.Options{
		Level:      logging.ParseLevel(cfg.Logging.Level),
		JSON:       cfg.Logging.JSON,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	defer closer.Close()

	log.Info("tallyd starting", "version", Version, "config", *cfgPath)

	if err := run(cfg); err != nil {
		log.Error("tallyd failed", "error", err)
		closer.Close()
		os.Exit(1)
	}
}

// loadConfig reads path, falling back to defaults when it does not exist,
// and applies the CLI overrides.
func loadConfig(path, dbPath, logLevel string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = config.DefaultConfig()
	}

	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func printRequirements(w io.Writer, cfg *config.Config) {
	r := cfg.CalculateRequirements()
	fmt.Fprint(w, r.FormatRequirements())
}

func run(cfg *config.Config) error {
	// =========================================================================
	// Metrics
	// =========================================================================

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m, err := metrics.New(reg)
	if err != nil {
		return errors.Wrap(err, "register metrics")
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsSrv = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("metrics listening", "addr", cfg.Metrics.Listen)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	// =========================================================================
	// Storage
	// =========================================================================

	svc, err := storage.New(cfg, m)
	if err != nil {
		return errors.Wrap(err, "create storage")
	}
	if err := svc.Start(); err != nil {
		return errors.Wrap(err, "start storage")
	}

	req := cfg.CalculateRequirements()
	log.Info("storage started",
		"database", cfg.Database.Path,
		"expected_series", cfg.Scale.Series,
		"readings_per_sec", req.ReadingsPerSecond,
		"estimated_storage", req.StorageBytes)

	// =========================================================================
	// Signal Handling and Graceful Shutdown
	// =========================================================================

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("shutting down", "signal", s.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Executor.DrainTimeout+5*time.Second)
	defer cancel()

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(ctx); err != nil {
			log.Warn("metrics server shutdown", "error", err)
		}
	}

	if err := svc.Stop(ctx); err != nil {
		return errors.Wrap(err, "stop storage")
	}

	st := svc.Stats()
	log.Info("tallyd stopped",
		"uptime", st.Uptime,
		"tasks_completed", st.Executor.Completed,
		"tasks_failed", st.Executor.Failed)
	return nil
}
