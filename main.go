package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaycore/relay/internal/app"
	"github.com/relaycore/relay/internal/config"
	"github.com/relaycore/relay/internal/logger"
	"github.com/relaycore/relay/internal/version"
)

func main() {
	startTime := time.Now()
	vlog := log.New(log.Writer(), "", 0)
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.PrintVersionInfo(true, vlog)
		os.Exit(0)
	} else {
		version.PrintVersionInfo(false, vlog)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(func() {
		// RELAY-TODO: push hot-reloadable config fields into the running
		// Application instead of requiring a restart.
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logInstance, styledLogger, cleanup, err := logger.NewWithTheme(&logger.Config{
		Level:      cfg.Logging.Level,
		LogDir:     cfg.Logging.LogDir,
		Theme:      cfg.Logging.Theme,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		FileOutput: cfg.Logging.FileOutput,
		PrettyLogs: cfg.Logging.PrettyLogs,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	slog.SetDefault(logInstance)
	styledLogger.Info("initialising", "version", version.Version, "pid", os.Getpid())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		styledLogger.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	application, err := app.New(cfg, styledLogger)
	if err != nil {
		logger.FatalWithLogger(logInstance, "failed to create application", "error", err)
	}

	if err := application.Start(ctx); err != nil {
		logger.FatalWithLogger(logInstance, "failed to start application", "error", err)
	}

	<-ctx.Done()

	if err := application.Stop(context.Background()); err != nil {
		styledLogger.Error("error during shutdown", "error", err)
	}

	styledLogger.Info("relay has shutdown", "uptime", time.Since(startTime).String())
}
