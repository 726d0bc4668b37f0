// Package engine runs the evaluation cycle: fetch, detect, score, decide,
// gate and remediate.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/miradorstack/mirador-remediation/internal/anomaly"
	"github.com/miradorstack/mirador-remediation/internal/audit"
	"github.com/miradorstack/mirador-remediation/internal/breaker"
	"github.com/miradorstack/mirador-remediation/internal/cache"
	"github.com/miradorstack/mirador-remediation/internal/metrics"
	"github.com/miradorstack/mirador-remediation/internal/models"
	"github.com/miradorstack/mirador-remediation/internal/remediation"
	"github.com/miradorstack/mirador-remediation/internal/utils"
	"github.com/miradorstack/mirador-remediation/internal/window"
)

// Gate reasons recorded on degraded decisions.
const (
	GateBreakerOpen     = "circuit breaker open"
	GateBudgetExhausted = "remediation budget exhausted"
	GateNoActuator      = "no actuator configured"
)

// MetricsSource fetches recent samples for a target.
type MetricsSource interface {
	Fetch(ctx context.Context, target string, series []models.SeriesSpec, lookback time.Duration) (models.FetchResult, error)
}

// Remediator executes an action plan.
type Remediator interface {
	Configured() bool
	Execute(ctx context.Context, target string, actions []models.Action) models.RemediationResult
}

// ScorerFactory builds a fresh anomaly scorer for a target.
type ScorerFactory func(target string) anomaly.AnomalyScorer

// Target is a monitored system and the series evaluated for it.
type Target struct {
	Name   string
	Series []models.SeriesSpec
}

// Options wires the collaborators of an Engine.
type Options struct {
	Source     MetricsSource
	Store      *window.Store
	Scorers    ScorerFactory
	Detection  anomaly.Options
	Analyzer   *CorrelationAnalyzer
	Risk       *RiskScorer
	Policy     *DecisionPolicy
	Playbook   *Playbook
	Breakers   *breaker.Registry
	Executor   Remediator
	Prober     remediation.Prober
	Audit      *audit.Log
	Exporter   *metrics.Exporter
	Leases     cache.Provider
	LeaseTTL   time.Duration
	InstanceID string

	Lookback           time.Duration
	FetchTimeout       time.Duration
	RemediationTimeout time.Duration
	MaxActionsPerHour  int
	DetectorCacheSize  int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Engine evaluates targets. Each target runs at most one cycle at a time.
type Engine struct {
	opts      Options
	detectors *lru.Cache[string, *anomaly.Detector]
	tracer    trace.Tracer

	mu      sync.Mutex
	running map[string]*sync.Mutex
	budgets map[string]*rate.Limiter
}

// NewEngine constructs an Engine, filling in defaults for optional collaborators.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Source == nil {
		return nil, errors.New("engine: metrics source is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Store == nil {
		opts.Store = window.NewStore(window.Options{Clock: opts.Clock})
	}
	if opts.Scorers == nil {
		opts.Scorers = func(string) anomaly.AnomalyScorer {
			return anomaly.NewStatisticalEnsemble(anomaly.EnsembleOptions{})
		}
	}
	if opts.Detection.Clock == nil {
		opts.Detection.Clock = opts.Clock
	}
	if opts.Detection.Logger == nil {
		opts.Detection.Logger = opts.Logger
	}
	if opts.Analyzer == nil {
		opts.Analyzer = NewCorrelationAnalyzer(DefaultStrongCorrelation)
	}
	if opts.Risk == nil {
		opts.Risk = NewRiskScorer(opts.Analyzer, opts.Clock)
	}
	if opts.Policy == nil {
		opts.Policy = NewDecisionPolicy(false, DefaultRiskThreshold, opts.Clock)
	}
	if opts.Breakers == nil {
		opts.Breakers = breaker.NewRegistry(breaker.Options{Clock: opts.Clock, Logger: opts.Logger})
	}
	if opts.Audit == nil {
		opts.Audit = audit.NewLog(audit.DefaultCapacity, opts.Clock)
	}
	if opts.Lookback <= 0 {
		opts.Lookback = time.Hour
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.RemediationTimeout <= 0 {
		opts.RemediationTimeout = 2 * time.Minute
	}
	if opts.MaxActionsPerHour <= 0 {
		opts.MaxActionsPerHour = 20
	}
	if opts.DetectorCacheSize <= 0 {
		opts.DetectorCacheSize = 256
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = opts.FetchTimeout + opts.RemediationTimeout
	}
	if opts.InstanceID == "" {
		opts.InstanceID = "local"
	}

	detectors, err := lru.New[string, *anomaly.Detector](opts.DetectorCacheSize)
	if err != nil {
		return nil, fmt.Errorf("engine: detector cache: %w", err)
	}

	return &Engine{
		opts:      opts,
		detectors: detectors,
		tracer:    otel.Tracer("github.com/miradorstack/mirador-remediation/internal/engine"),
		running:   make(map[string]*sync.Mutex),
		budgets:   make(map[string]*rate.Limiter),
	}, nil
}

// Breakers exposes the breaker registry.
func (e *Engine) Breakers() *breaker.Registry { return e.opts.Breakers }

// Audit exposes the audit log.
func (e *Engine) Audit() *audit.Log { return e.opts.Audit }

// Clock exposes the clock cycles and breakers are timed with.
func (e *Engine) Clock() clock.Clock { return e.opts.Clock }

// Store exposes the metric window store.
func (e *Engine) Store() *window.Store { return e.opts.Store }

// EvaluateCycle runs one full evaluation for target. Overlapping calls for the
// same target fail with ErrCycleInProgress.
func (e *Engine) EvaluateCycle(ctx context.Context, target Target) (models.CycleReport, error) {
	report := models.CycleReport{Target: target.Name}

	unlock, err := e.acquire(ctx, target.Name)
	if err != nil {
		metrics.ObserveCycle(0, metrics.OutcomeSkipped)
		return report, err
	}
	defer unlock()

	ctx, span := e.tracer.Start(ctx, "engine.evaluate_cycle", trace.WithAttributes(attribute.String("target", target.Name)))
	defer span.End()

	start := e.opts.Clock.Now()
	report, err = e.evaluate(ctx, target, report)
	report.Duration = e.opts.Clock.Since(start)

	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeError
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(
			attribute.String("decision", string(report.Decision.Action)),
			attribute.Float64("risk", report.Risk.Value),
		)
	}
	metrics.ObserveCycle(report.Duration, outcome)
	return report, err
}

func (e *Engine) evaluate(ctx context.Context, target Target, report models.CycleReport) (models.CycleReport, error) {
	logger := e.opts.Logger.With(slog.String("target", target.Name))

	e.probe(ctx, target.Name, logger)

	windows, latest, err := e.ingest(ctx, target, &report)
	if err != nil {
		logger.Warn("metrics unavailable", slog.Any("error", err))
		return report, err
	}

	report.Correlations = e.opts.Analyzer.Analyze(windows)
	anomalies, err := e.detector(target.Name).Detect(ctx, windows)
	switch {
	case err != nil:
		logger.Warn("anomaly detection degraded", slog.Any("error", err))
		report.Risk = e.opts.Risk.Neutral(err.Error())
	default:
		report.Anomalies = anomalies
		report.Risk = e.opts.Risk.Score(anomalies, report.Correlations)
	}

	plan := e.opts.Playbook.Plan(target.Name, latest)
	decision := e.opts.Policy.Decide(target.Name, report.Risk, plan)
	decision = e.gate(decision)
	report.Decision = decision

	e.opts.Audit.AppendDecision(decision)
	metrics.ObserveDecision(string(decision.Action))
	logger.Info("decision",
		slog.String("action", string(decision.Action)),
		slog.Float64("risk", report.Risk.Value),
		slog.Bool("degraded", report.Risk.Degraded),
		slog.Float64("confidence", decision.Confidence),
		slog.Int("anomalies", len(report.Anomalies)),
		slog.String("reason", decision.Reason))

	if decision.Action.Mutating() {
		rctx, cancel := context.WithTimeout(ctx, e.opts.RemediationTimeout)
		result := e.opts.Executor.Execute(rctx, target.Name, decision.Actions)
		cancel()
		report.Remediation = &result
	}

	e.opts.Exporter.ExportRisk(ctx, target.Name, report.Risk)
	e.opts.Exporter.ExportDecision(ctx, decision)
	e.opts.Exporter.ExportBreaker(ctx, e.opts.Breakers.Status(target.Name))
	return report, nil
}

// ingest fetches new samples, records those newer than what the store holds
// and returns the windows keyed by series name plus each series' latest value.
func (e *Engine) ingest(ctx context.Context, target Target, report *models.CycleReport) (map[string][]models.MetricSample, map[string]float64, error) {
	fctx, cancel := context.WithTimeout(ctx, e.opts.FetchTimeout)
	defer cancel()

	result, err := e.opts.Source.Fetch(fctx, target.Name, target.Series, e.opts.Lookback)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			e.opts.Breakers.RecordFailure(target.Name, "metrics fetch timed out")
		}
		return nil, nil, utils.NewAppError("fetch", utils.ErrDataUnavailable, target.Name, err)
	}
	report.SeriesErrors = result.Errors

	received := 0
	for name, samples := range result.Series {
		key := seriesKey(target.Name, name)
		sorted := append([]models.MetricSample(nil), samples...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

		last, seen := e.opts.Store.Latest(key)
		for _, s := range sorted {
			if seen && !s.Timestamp.After(last.Timestamp) {
				continue
			}
			e.opts.Store.Record(key, s.Timestamp, s.Value)
		}
		received += len(samples)
	}

	if received == 0 {
		timedOut := false
		for _, serr := range result.Errors {
			if errors.Is(serr, context.DeadlineExceeded) {
				timedOut = true
				break
			}
		}
		if timedOut {
			e.opts.Breakers.RecordFailure(target.Name, "metrics fetch timed out")
		}
		return nil, nil, utils.NewAppError("fetch", utils.ErrDataUnavailable,
			fmt.Sprintf("%s: no samples from %d series", target.Name, len(target.Series)), nil)
	}

	windows := make(map[string][]models.MetricSample, len(target.Series))
	latest := make(map[string]float64, len(target.Series))
	for _, spec := range target.Series {
		w := e.opts.Store.Window(seriesKey(target.Name, spec.Name))
		if len(w) == 0 {
			continue
		}
		for i := range w {
			w[i].Series = spec.Name
		}
		windows[spec.Name] = w
		latest[spec.Name] = w[len(w)-1].Value
	}
	return windows, latest, nil
}

// gate degrades a mutating decision when remediation may not run.
func (e *Engine) gate(decision models.Decision) models.Decision {
	if !decision.Action.Mutating() {
		return decision
	}
	switch {
	case !e.opts.Breakers.Allow(decision.Target):
		return Degrade(decision, GateBreakerOpen)
	case e.opts.Executor == nil || !e.opts.Executor.Configured():
		return Degrade(decision, GateNoActuator)
	case !e.budget(decision.Target).AllowN(e.opts.Clock.Now(), 1):
		return Degrade(decision, GateBudgetExhausted)
	}
	return decision
}

// probe feeds an external health check to an open breaker.
func (e *Engine) probe(ctx context.Context, target string, logger *slog.Logger) {
	if e.opts.Prober == nil || e.opts.Breakers.Allow(target) {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, e.opts.FetchTimeout)
	defer cancel()
	if err := e.opts.Prober.Probe(pctx, target); err != nil {
		logger.Debug("probe failed", slog.Any("error", err))
		e.opts.Breakers.RecordFailure(target, "probe failed: "+err.Error())
		return
	}
	e.opts.Breakers.RecordSuccess(target)
}

// ReportProbe applies an externally observed health signal to the breaker.
func (e *Engine) ReportProbe(report models.ProbeReport) models.BreakerState {
	if report.Success {
		e.opts.Breakers.RecordSuccess(report.Target)
	} else {
		reason := report.Reason
		if reason == "" {
			reason = "external probe failed"
		}
		e.opts.Breakers.RecordFailure(report.Target, reason)
	}
	state := e.opts.Breakers.Status(report.Target)
	e.opts.Logger.Debug("probe reported",
		slog.String("target", report.Target),
		slog.Bool("success", report.Success),
		slog.Time("observed_at", report.ObservedAt),
		slog.String("breaker", string(state.Status)))
	return state
}

func (e *Engine) acquire(ctx context.Context, target string) (func(), error) {
	e.mu.Lock()
	m, ok := e.running[target]
	if !ok {
		m = &sync.Mutex{}
		e.running[target] = m
	}
	e.mu.Unlock()

	if !m.TryLock() {
		return nil, utils.NewAppError("evaluate", utils.ErrCycleInProgress, target, nil)
	}
	if e.opts.Leases == nil {
		return m.Unlock, nil
	}

	key := leaseKey(target)
	acquired, err := e.opts.Leases.SetNX(ctx, key, []byte(e.opts.InstanceID), e.opts.LeaseTTL)
	if err != nil {
		e.opts.Logger.Warn("cycle lease unavailable, continuing with local exclusion",
			slog.String("target", target), slog.Any("error", err))
		return m.Unlock, nil
	}
	if !acquired {
		m.Unlock()
		return nil, utils.NewAppError("evaluate", utils.ErrCycleInProgress, target+" leased by another replica", nil)
	}
	return func() {
		if err := e.opts.Leases.DelIfEqual(context.WithoutCancel(ctx), key, []byte(e.opts.InstanceID)); err != nil {
			e.opts.Logger.Warn("cycle lease release failed", slog.String("target", target), slog.Any("error", err))
		}
		m.Unlock()
	}, nil
}

func (e *Engine) detector(target string) *anomaly.Detector {
	if d, ok := e.detectors.Get(target); ok {
		return d
	}
	d := anomaly.NewDetector(e.opts.Scorers(target), e.opts.Detection)
	e.detectors.Add(target, d)
	return d
}

func (e *Engine) budget(target string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.budgets[target]
	if !ok {
		n := e.opts.MaxActionsPerHour
		l = rate.NewLimiter(rate.Every(time.Hour/time.Duration(n)), n)
		e.budgets[target] = l
	}
	return l
}

func seriesKey(target, series string) string {
	return target + "/" + series
}

func leaseKey(target string) string {
	return "mirador-remediation:lease:" + target
}
