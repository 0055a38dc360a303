// Package main is the entry point for the graphsync service: the canonical
// graph synchronization engine and query surface for the property platform.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lodgic/graphsync/backfill"
	"github.com/lodgic/graphsync/config"
	"github.com/lodgic/graphsync/engine"
)

const (
	appName = "graphsync"
	version = "0.1.0"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "", "path to JSON config file (defaults apply when empty)")
		backfillDir = flag.String("backfill", "", "load a snapshot directory before consuming the stream")
		logLevel    = flag.String("log-level", "", "override configured log level (debug|info|warn|error)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	logger := setupLogger(level)
	slog.SetDefault(logger)

	logger.Info("starting graphsync",
		"version", version,
		"config_path", *configPath,
		"nats_url", cfg.NATS.URL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng := engine.New(cfg, logger)
	if err := eng.Initialize(ctx); err != nil {
		return err
	}

	if *backfillDir != "" {
		stats, err := eng.Backfill(ctx, backfill.NewFileSource(*backfillDir))
		if err != nil {
			return fmt.Errorf("backfill: %w", err)
		}
		logger.Info("backfill complete",
			"loaded", stats.Loaded,
			"dead_lettered", stats.DeadLettered,
			"duration", stats.Duration)
	}

	return eng.Run(ctx)
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
