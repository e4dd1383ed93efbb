package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"tokenexporter.org/internal/app"
	"tokenexporter.org/internal/config"
	"tokenexporter.org/internal/httpapi"
	"tokenexporter.org/internal/obs"
	"tokenexporter.org/internal/scheduler"
)

var version = "0.1.0"

func main() {
	cfg, warnings, err := config.Load()
	if err != nil {
		// the logger is not configured yet
		zap.NewExample().Sugar().Fatalf("load config: %v", err)
	}

	logger := obs.InitLogger(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()
	app.LogWarnings(log, warnings)

	obs.Init()
	obs.InitBuildInfo(version, cfg.ServiceCommit)

	coll, err := app.NewCollector(cfg, version, log)
	if err != nil {
		log.Fatalw("build collector", "error", err)
	}

	health := healthcheck.NewMetricsHandler(prometheus.DefaultRegisterer, "token_exporter")
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10_000))
	health.AddReadinessCheck("first-cycle", coll.Ready)

	api := httpapi.New(coll, health, log)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		scheduler.New(coll, cfg.RefreshInterval, log).Run(ctx)
	}()

	go func() {
		log.Infow("starting gitlab token exporter", "version", version, "addr", srv.Addr,
			"gitlab", cfg.GitLabHostname, "refresh", cfg.RefreshInterval)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("listen", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http shutdown", "error", err)
	}
	// No trigger can start a cycle once the scheduler has returned.
	<-schedDone
	// ctx is cancelled, so an in-flight cycle returns promptly without committing.
	coll.Wait()
	log.Info("stopped")
}
