package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/miradorstack/mirador-remediation/internal/anomaly"
	"github.com/miradorstack/mirador-remediation/internal/audit"
	"github.com/miradorstack/mirador-remediation/internal/breaker"
	"github.com/miradorstack/mirador-remediation/internal/cache"
	"github.com/miradorstack/mirador-remediation/internal/config"
	"github.com/miradorstack/mirador-remediation/internal/engine"
	"github.com/miradorstack/mirador-remediation/internal/metrics"
	"github.com/miradorstack/mirador-remediation/internal/models"
	"github.com/miradorstack/mirador-remediation/internal/remediation"
	"github.com/miradorstack/mirador-remediation/internal/repo"
	"github.com/miradorstack/mirador-remediation/internal/window"
)

// runtime bundles everything built from a Config.
type runtime struct {
	engine   *engine.Engine
	targets  []engine.Target
	playbook *engine.Playbook
	closers  []func() error
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		_ = r.closers[i]()
	}
}

func buildRuntime(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger *slog.Logger) (*runtime, error) {
	clk := clock.New()
	rt := &runtime{targets: targetsFromConfig(cfg.Targets)}

	var leases cache.Provider
	var responseCache cache.Provider = cache.NewMemoryProvider(clk)
	if cfg.Cache.Enabled {
		provider, err := cache.NewValkeyProvider(ctx, cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable, cycle leases disabled", slog.Any("error", err))
		} else {
			leases = provider
			responseCache = provider
			rt.closers = append(rt.closers, provider.Close)
		}
	}

	source, err := buildSource(cfg.Source, responseCache, clk, logger)
	if err != nil {
		return nil, err
	}

	playbook, err := engine.NewPlaybook(cfg.Playbook.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("load playbook: %w", err)
	}
	rt.playbook = playbook

	breakers := breaker.NewRegistry(breaker.Options{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          cfg.Breaker.Timeout,
		Clock:            clk,
		Logger:           logger,
	})
	auditLog := audit.NewLog(cfg.Audit.Capacity, clk)

	var actuator remediation.Actuator
	var prober remediation.Prober
	if cfg.Actuator.BaseURL != "" {
		client := repo.NewActuatorClient(cfg.Actuator.BaseURL, cfg.Actuator.Timeout)
		actuator = client
		if cfg.Actuator.Probe {
			prober = client
		}
	}
	executor := remediation.NewExecutor(actuator, breakers, auditLog, clk, logger)

	analyzer := engine.NewCorrelationAnalyzer(cfg.Engine.StrongCorrelation)
	eng, err := engine.NewEngine(engine.Options{
		Source:  source,
		Store:   window.NewStore(window.Options{Capacity: cfg.Engine.WindowCapacity, Clock: clk}),
		Scorers: scorerFactory(cfg.Scorer),
		Detection: anomaly.Options{
			MinSamples:      cfg.Engine.MinSamples,
			MaxRows:         cfg.Engine.MaxRows,
			RetrainInterval: cfg.Engine.RetrainInterval,
		},
		Analyzer:   analyzer,
		Risk:       engine.NewRiskScorer(analyzer, clk),
		Policy:     engine.NewDecisionPolicy(cfg.Engine.AutoRemediate, cfg.Engine.RiskThreshold, clk),
		Playbook:   playbook,
		Breakers:   breakers,
		Executor:   executor,
		Prober:     prober,
		Audit:      auditLog,
		Exporter:   buildExporter(cfg.Exporter, reg, logger),
		Leases:     leases,
		LeaseTTL:   cfg.Cache.LeaseTTL,
		InstanceID: instanceID(),

		Lookback:           cfg.Engine.Lookback,
		FetchTimeout:       cfg.Engine.FetchTimeout,
		RemediationTimeout: cfg.Engine.RemediationTimeout,
		MaxActionsPerHour:  cfg.Engine.MaxActionsPerHour,
		DetectorCacheSize:  cfg.Engine.DetectorCacheSize,

		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.engine = eng
	return rt, nil
}

func buildSource(cfg config.SourceConfig, responseCache cache.Provider, clk clock.Clock, logger *slog.Logger) (engine.MetricsSource, error) {
	switch cfg.Kind {
	case "core":
		return repo.NewCoreSource(repo.CoreSourceOptions{
			BaseURL:     cfg.BaseURL,
			MetricsPath: cfg.MetricsPath,
			Step:        cfg.Step,
			Timeout:     cfg.Timeout,
			Cache:       responseCache,
			CacheTTL:    cfg.CacheTTL,
			Clock:       clk,
			Logger:      logger,
		}), nil
	case "prometheus":
		return repo.NewPrometheusSource(repo.PrometheusSourceOptions{
			Address: cfg.Address,
			Step:    cfg.Step,
			Timeout: cfg.Timeout,
			Clock:   clk,
			Logger:  logger,
		})
	default:
		return nil, fmt.Errorf("unknown metrics source %q", cfg.Kind)
	}
}

func scorerFactory(cfg config.ScorerConfig) engine.ScorerFactory {
	if cfg.Kind == "external" {
		client := repo.NewModelClient(cfg.Endpoint, cfg.Timeout)
		return func(string) anomaly.AnomalyScorer {
			return anomaly.NewExternalModelClient(client)
		}
	}
	opts := anomaly.EnsembleOptions{
		Trees:         cfg.Trees,
		SampleSize:    cfg.SampleSize,
		Contamination: cfg.Contamination,
		ZThreshold:    cfg.ZThreshold,
		Seed:          cfg.Seed,
	}
	return func(string) anomaly.AnomalyScorer {
		return anomaly.NewStatisticalEnsemble(opts)
	}
}

func buildExporter(cfg config.ExporterConfig, reg prometheus.Registerer, logger *slog.Logger) *metrics.Exporter {
	switch cfg.Kind {
	case "registry":
		return metrics.NewExporter(metrics.NewRegistrySink(reg), logger, cfg.Timeout)
	case "pushgateway":
		return metrics.NewExporter(metrics.NewPushgatewaySink(cfg.PushgatewayURL, cfg.Job, cfg.Timeout), logger, cfg.Timeout)
	default:
		return nil
	}
}

func targetsFromConfig(in []config.TargetConfig) []engine.Target {
	out := make([]engine.Target, 0, len(in))
	for _, t := range in {
		specs := make([]models.SeriesSpec, 0, len(t.Series))
		for _, s := range t.Series {
			specs = append(specs, models.SeriesSpec{Name: s.Name, Query: s.Query})
		}
		out = append(out, engine.Target{Name: t.Name, Series: specs})
	}
	return out
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "remediation-engine"
	}
	return host + "-" + uuid.NewString()[:8]
}
