package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-remediation/internal/api"
	"github.com/miradorstack/mirador-remediation/internal/config"
	"github.com/miradorstack/mirador-remediation/internal/engine"
	"github.com/miradorstack/mirador-remediation/internal/metrics"
	"github.com/miradorstack/mirador-remediation/internal/services"
	"github.com/miradorstack/mirador-remediation/internal/utils"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the evaluation scheduler and the gRPC decision API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(parent context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return &exitError{code: exitUnavailable, err: err}
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting mirador-remediation",
		slog.String("address", cfg.Server.Address),
		slog.Int("targets", len(cfg.Targets)),
		slog.Bool("auto_remediate", cfg.Engine.AutoRemediate))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return &exitError{code: exitUnavailable, err: err}
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdown, err := setupTracing()
		if err != nil {
			return &exitError{code: exitUnavailable, err: err}
		}
		defer func() {
			tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(tctx)
		}()
	}

	rt, err := buildRuntime(ctx, cfg, prometheus.DefaultRegisterer, logger)
	if err != nil {
		return &exitError{code: exitUnavailable, err: err}
	}
	defer rt.Close()

	if cfg.Playbook.Watch && cfg.Playbook.Path != "" {
		go func() {
			if err := rt.playbook.Watch(ctx); err != nil {
				logger.Warn("playbook watch stopped", slog.Any("error", err))
			}
		}()
	}

	service := services.NewDecisionService(logger, rt.engine, rt.targets)
	server, err := api.NewServer(cfg.Server, service)
	if err != nil {
		return &exitError{code: exitUnavailable, err: err}
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	scheduler := engine.NewScheduler(rt.engine, rt.targets, cfg.Engine.PollInterval, cfg.Engine.MaxConcurrentTargets, logger)
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		_ = scheduler.Run(ctx)
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
	}

	select {
	case <-schedulerDone:
	case <-shutdownCtx.Done():
		logger.Warn("scheduler did not stop before graceful timeout")
	}
	logger.Info("mirador-remediation stopped")
	return nil
}
