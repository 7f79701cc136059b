package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/timekeeper/internal/config"
	"git.home.luguber.info/inful/timekeeper/internal/logfields"
	"git.home.luguber.info/inful/timekeeper/internal/metrics"
	"git.home.luguber.info/inful/timekeeper/internal/tracker"
)

// runDaemon keeps a store open, sweeps the watched scopes on a schedule
// and serves Prometheus metrics. The sweep reloads each scope so load
// durations, page counts and dropped-entry counters stay fresh, and it
// logs scopes whose fullest key is close to the size ceiling.
func runDaemon(cfg *config.Config, scopes []string) error {
	registry := prom.NewRegistry()
	rec := metrics.NewPrometheusRecorder(registry)

	svc, cleanup, err := buildService(cfg, rec)
	if err != nil {
		return err
	}
	defer cleanup()

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	sweepInterval := cfg.SweepEvery()
	_, err = scheduler.NewJob(
		gocron.DurationJob(sweepInterval),
		gocron.NewTask(sweep, svc, scopes),
		gocron.WithName("usage-sweep"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule sweep job: %w", err)
	}

	scheduler.Start()
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			slog.Warn("Scheduler shutdown failed", logfields.Error(err))
		}
	}()

	var server *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.HTTPHandler(registry))
		server = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			slog.Info("Metrics endpoint listening", slog.String("addr", cfg.Metrics.Listen))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server failed", logfields.Error(err))
			}
		}()
	}

	slog.Info("Daemon started",
		logfields.Count(len(scopes)),
		slog.Duration("sweep_interval", sweepInterval))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Shutting down", slog.String("signal", sig.String()))

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Metrics server shutdown failed", logfields.Error(err))
		}
	}
	return nil
}

func sweep(svc *tracker.Service, scopes []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, scope := range scopes {
		entries, info := svc.Entries(ctx, scope)
		usage := svc.Archive().Usage(scope)

		if info.MigrationPending {
			slog.Warn("Scope still uses the legacy format", logfields.Scope(scope))
		}
		if usage.FullestKeyPercent >= 80 {
			slog.Warn("Scope approaching storage ceiling",
				logfields.Scope(scope),
				slog.Float64("fullest_key_percent", usage.FullestKeyPercent))
		}
		slog.Debug("Sweep completed",
			logfields.Scope(scope),
			logfields.Count(len(entries)),
			logfields.Bytes(usage.TotalBytes))
	}
}
