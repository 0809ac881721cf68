package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/g960059/vlab/internal/config"
	"github.com/g960059/vlab/internal/daemon"
	"github.com/g960059/vlab/internal/db"
	"github.com/g960059/vlab/internal/metric"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	os.Exit(run(ctx, os.Args[1:], os.Stderr))
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	cfg, err := loadConfig(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		_, _ = fmt.Fprintf(stderr, "vlabd: %v\n", err)
		return 2
	}
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "vlabd: %v\n", err)
		return 2
	}

	deps := daemon.Deps{Logger: logger, Metrics: metric.NewMetrics()}
	if cfg.JournalPath != "" {
		store, err := db.Open(ctx, cfg.JournalPath)
		if err != nil {
			logger.Error("open journal", "path", cfg.JournalPath, "error", err)
			return 1
		}
		defer store.Close() //nolint:errcheck
		if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
			logger.Error("migrate journal", "path", cfg.JournalPath, "error", err)
			return 1
		}
		deps.Journal = db.NewJournal(store, logger)
		startRetentionLoop(ctx, store, cfg, logger)
	}

	srv, err := daemon.NewServerWithDeps(cfg, deps)
	if err != nil {
		logger.Error("build server", "error", err)
		return 1
	}
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped", "error", err)
		return 1
	}
	logger.Info("stopped")
	return 0
}

// loadConfig reads -config first, then applies only the flags given on the
// command line on top of it.
func loadConfig(args []string) (config.Config, error) {
	fs := flag.NewFlagSet("vlabd", flag.ContinueOnError)
	path := fs.String("config", "", "YAML config path")
	host := fs.String("host", "", "instrument listen host")
	admin := fs.String("admin", "", "admin HTTP address (empty string disables)")
	exp := fs.String("experiment", "", "experiment name")
	resistance := fs.Float64("resistance", 0, "ohm experiment resistance")
	journal := fs.String("journal", "", "journal SQLite path (empty string disables)")
	idle := fs.Duration("idle-timeout", 0, "session idle timeout")
	evict := fs.Bool("evict-on-disconnect", false, "end a session when its last connection closes")
	level := fs.String("log-level", "", "log level")
	format := fs.String("log-format", "", "log format (text|json)")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	if fs.NArg() > 0 {
		return config.Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	cfg, err := config.Load(*path)
	if err != nil {
		return config.Config{}, err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = *host
		case "admin":
			cfg.AdminAddr = *admin
		case "experiment":
			cfg.Experiment = *exp
		case "resistance":
			cfg.Resistance = *resistance
		case "journal":
			cfg.JournalPath = *journal
		case "idle-timeout":
			cfg.IdleTimeout = *idle
		case "evict-on-disconnect":
			cfg.EvictOnDisconnect = *evict
		case "log-level":
			cfg.LogLevel = *level
		case "log-format":
			cfg.LogFormat = *format
		}
	})
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(cfg config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch cfg.LogFormat {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("log_format: unknown format %q", cfg.LogFormat)
	}
}

func startRetentionLoop(ctx context.Context, store *db.Store, cfg config.Config, logger *slog.Logger) {
	if cfg.JournalRetention <= 0 {
		return
	}
	run := func() {
		cutoff := time.Now().UTC().Add(-cfg.JournalRetention)
		n, err := store.PruneBefore(ctx, cutoff)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Warn("journal retention failed", "error", err)
			}
			return
		}
		if n > 0 {
			logger.Info("journal pruned", "sessions", n, "cutoff", cutoff)
		}
	}

	run()
	go func() {
		ticker := time.NewTicker(loopInterval(cfg.RetentionInterval, time.Hour))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

func loopInterval(interval, fallback time.Duration) time.Duration {
	if interval <= 0 {
		return fallback
	}
	return interval
}
