// Package main is the entry point for the docstore server.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/axonops/axonops-docstore/internal/audit"
	"github.com/axonops/axonops-docstore/internal/catalog"
	"github.com/axonops/axonops-docstore/internal/config"
	"github.com/axonops/axonops-docstore/internal/metrics"
	"github.com/axonops/axonops-docstore/internal/server"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "./config.json", "Path to the catalog file")
	settingsPath := flag.String("settings", "", "Path to the settings file (YAML)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("docstore %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// The catalog path may also be given as the first positional
	// argument, which wins over the flag.
	catalogPath := *configPath
	if flag.NArg() > 0 {
		catalogPath = flag.Arg(0)
	}

	settings, err := config.Load(*settingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load settings: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(settings.Logging)
	slog.SetDefault(logger)

	cat, err := catalog.Load(catalogPath)
	if err != nil {
		logger.Error("failed to load catalog", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("starting docstore",
		slog.String("version", version),
		slog.String("catalog", cat.Path()),
		slog.String("address", cat.Addr()),
		slog.Int("databases", len(cat.Databases())),
	)
	for _, db := range cat.Databases() {
		logger.Info("database available", slog.String("name", db.Name))
	}

	if settings.Catalog.WatchFile {
		stop, err := cat.Watch(logger)
		if err != nil {
			logger.Error("failed to watch catalog", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer stop()
	}

	auditLog, err := audit.New(settings.Audit, logger)
	if err != nil {
		logger.Error("failed to open audit trail", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer auditLog.Close()

	m := metrics.New()
	var metricsSrv *http.Server
	if settings.Metrics.Enabled {
		metricsSrv = metrics.Serve(settings.Metrics.Address, m)
		logger.Info("metrics endpoint up", slog.String("address", settings.Metrics.Address))
	}

	srv := server.New(cat, logger, m, auditLog)
	if err := srv.Start(); err != nil {
		logger.Error("failed to start server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down", slog.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(ctx); err != nil {
			logger.Warn("metrics endpoint shutdown failed", slog.String("error", err.Error()))
		}
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown incomplete", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// newLogger builds the slog handler from the logging settings,
// optionally teeing into a size-rotated file.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	if cfg.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}
