// Command collect-once runs a single collection cycle against GitLab and
// prints the resulting document. It exits non-zero when the cycle fails.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tokenexporter.org/internal/app"
	"tokenexporter.org/internal/collector"
	"tokenexporter.org/internal/config"
	"tokenexporter.org/internal/obs"
)

var version = "0.1.0"

func main() {
	cfg, warnings, err := config.Load()
	if err != nil {
		zap.NewExample().Sugar().Fatalf("load config: %v", err)
	}

	// stdout carries the document, keep logs on stderr
	logger := obs.NewLoggerTo(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()
	app.LogWarnings(log, warnings)

	coll, err := app.NewCollector(cfg, version, log)
	if err != nil {
		log.Fatalw("build collector", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Minute)
	defer cancel()

	start := time.Now()
	st, err := coll.RunCycle(ctx)
	if err != nil {
		log.Fatalw("collection aborted", "error", err)
	}
	log.Infow("collection finished", "status", st.Status.String(), "cycle_id", st.CycleID, "duration", time.Since(start))

	switch st.Status {
	case collector.StatusLoaded:
		fmt.Print(st.Document)
	case collector.StatusNoToken:
		fmt.Fprintln(os.Stderr, "no token found")
	case collector.StatusError:
		fmt.Fprintln(os.Stderr, st.Cause)
		os.Exit(1)
	}
}
