package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-remediation/internal/anomaly"
	"github.com/miradorstack/mirador-remediation/internal/audit"
	"github.com/miradorstack/mirador-remediation/internal/breaker"
	"github.com/miradorstack/mirador-remediation/internal/cache"
	"github.com/miradorstack/mirador-remediation/internal/metrics"
	"github.com/miradorstack/mirador-remediation/internal/models"
	"github.com/miradorstack/mirador-remediation/internal/remediation"
	"github.com/miradorstack/mirador-remediation/internal/utils"
)

type fakeSource struct {
	mu      sync.Mutex
	series  map[string][]models.MetricSample
	errs    map[string]error
	err     error
	block   chan struct{}
	entered chan struct{}
	calls   int
}

func (f *fakeSource) Fetch(ctx context.Context, _ string, _ []models.SeriesSpec, _ time.Duration) (models.FetchResult, error) {
	f.mu.Lock()
	f.calls++
	block, entered := f.block, f.entered
	f.entered = nil
	f.mu.Unlock()

	if entered != nil {
		close(entered)
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return models.FetchResult{}, ctx.Err()
		}
	}
	if f.err != nil {
		return models.FetchResult{}, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]models.MetricSample, len(f.series))
	for k, v := range f.series {
		out[k] = append([]models.MetricSample(nil), v...)
	}
	return models.FetchResult{Series: out, Errors: f.errs}, nil
}

func (f *fakeSource) append(name string, s models.MetricSample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.series[name] = append(f.series[name], s)
}

// flagAll marks every row as a high-severity outlier.
type flagAll struct{}

func (flagAll) Name() string { return "flag_all" }

func (flagAll) Fit(context.Context, [][]float64) error { return nil }

func (flagAll) Score(_ context.Context, rows [][]float64) ([]anomaly.Score, error) {
	out := make([]anomaly.Score, len(rows))
	for i := range out {
		out[i] = anomaly.Score{Value: -0.7, Outlier: true}
	}
	return out, nil
}

type fakeActuator struct {
	mu      sync.Mutex
	applied []models.ActionKind
	err     error
}

func (a *fakeActuator) Apply(_ context.Context, _ string, action models.Action) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, action.Kind)
	return a.err
}

// stuckActuator never completes an action before its context ends.
type stuckActuator struct{}

func (stuckActuator) Apply(ctx context.Context, _ string, _ models.Action) error {
	<-ctx.Done()
	return ctx.Err()
}

type fakeProber struct {
	err   error
	calls int
}

func (p *fakeProber) Probe(context.Context, string) error {
	p.calls++
	return p.err
}

var testTarget = Target{Name: "svc-a", Series: []models.SeriesSpec{{Name: "cpu"}, {Name: "latency"}}}

func risingSource(n int) *fakeSource {
	src := &fakeSource{series: map[string][]models.MetricSample{}}
	for i := 0; i < n; i++ {
		ts := t0.Add(time.Duration(i) * time.Minute)
		src.series["cpu"] = append(src.series["cpu"], models.MetricSample{Series: "cpu", Timestamp: ts, Value: float64(10 + i)})
		src.series["latency"] = append(src.series["latency"], models.MetricSample{Series: "latency", Timestamp: ts, Value: float64(100 + 5*i)})
	}
	return src
}

type harness struct {
	engine   *Engine
	clock    *clock.Mock
	actuator *fakeActuator
	breakers *breaker.Registry
	audit    *audit.Log
}

func newHarness(t *testing.T, src MetricsSource, mutate func(*Options)) *harness {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	breakers := breaker.NewRegistry(breaker.Options{Clock: mock})
	log := audit.NewLog(100, mock)
	act := &fakeActuator{}

	opts := Options{
		Source:       src,
		Scorers:      func(string) anomaly.AnomalyScorer { return flagAll{} },
		Policy:       NewDecisionPolicy(true, 0.7, mock),
		Breakers:     breakers,
		Audit:        log,
		Executor:     remediation.NewExecutor(act, breakers, log, mock, nil),
		FetchTimeout: time.Second,
		Clock:        mock,
	}
	if mutate != nil {
		mutate(&opts)
	}
	eng, err := NewEngine(opts)
	require.NoError(t, err)
	return &harness{engine: eng, clock: mock, actuator: act, breakers: breakers, audit: log}
}

func TestEvaluateCycleRollsBackOnCriticalRisk(t *testing.T) {
	h := newHarness(t, risingSource(20), nil)

	report, err := h.engine.EvaluateCycle(context.Background(), testTarget)
	require.NoError(t, err)

	assert.Len(t, report.Anomalies, 20)
	require.Len(t, report.Correlations, 1)
	assert.InDelta(t, 1, report.Correlations[0].Coefficient, 1e-9)
	assert.InDelta(t, 0.8+0.2/3, report.Risk.Value, 1e-9)
	assert.Equal(t, models.DecisionRollback, report.Decision.Action)

	require.NotNil(t, report.Remediation)
	assert.Equal(t, models.RemediationSuccess, report.Remediation.Status)
	assert.Equal(t, []models.ActionKind{models.ActionRollbackVersion}, h.actuator.applied)

	entries := h.audit.Recent(models.AuditQuery{Target: "svc-a"})
	require.Len(t, entries, 2)
	assert.Equal(t, models.AuditRemediation, entries[0].Kind)
	assert.Equal(t, models.AuditDecision, entries[1].Kind)
}

func TestEvaluateCycleUsesPlaybookPlan(t *testing.T) {
	src := risingSource(20)
	pb, err := NewPlaybook("", nil)
	require.NoError(t, err)
	h := newHarness(t, src, func(o *Options) { o.Playbook = pb })

	target := Target{Name: "svc-a", Series: []models.SeriesSpec{{Name: "cpu_utilization"}, {Name: "latency"}}}
	src.series["cpu_utilization"] = src.series["cpu"]
	for i := range src.series["cpu_utilization"] {
		src.series["cpu_utilization"][i].Value = 96 + float64(i)/100
	}
	delete(src.series, "cpu")

	report, err := h.engine.EvaluateCycle(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionRemediate, report.Decision.Action)
	assert.Equal(t, []models.ActionKind{models.ActionScaleUp}, h.actuator.applied)
}

func TestEvaluateCycleBreakerOpenDegradesToAlert(t *testing.T) {
	h := newHarness(t, risingSource(20), nil)
	h.breakers.Trip("svc-a", "unstable")

	report, err := h.engine.EvaluateCycle(context.Background(), testTarget)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, report.Risk.Value, 0.7)
	assert.Equal(t, models.DecisionAlert, report.Decision.Action)
	assert.Contains(t, report.Decision.Reason, GateBreakerOpen)
	assert.Equal(t, report.Risk.Value, report.Decision.Confidence)
	assert.Nil(t, report.Remediation)
	assert.Empty(t, h.actuator.applied)
}

func TestEvaluateCycleWithoutActuatorAlerts(t *testing.T) {
	h := newHarness(t, risingSource(20), func(o *Options) { o.Executor = nil })

	report, err := h.engine.EvaluateCycle(context.Background(), testTarget)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAlert, report.Decision.Action)
	assert.Contains(t, report.Decision.Reason, GateNoActuator)
}

func TestEvaluateCycleBudgetExhausted(t *testing.T) {
	h := newHarness(t, risingSource(20), func(o *Options) { o.MaxActionsPerHour = 1 })

	first, err := h.engine.EvaluateCycle(context.Background(), testTarget)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionRollback, first.Decision.Action)

	second, err := h.engine.EvaluateCycle(context.Background(), testTarget)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAlert, second.Decision.Action)
	assert.Contains(t, second.Decision.Reason, GateBudgetExhausted)

	h.clock.Add(time.Hour)
	third, err := h.engine.EvaluateCycle(context.Background(), testTarget)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionRollback, third.Decision.Action)
}

func TestEvaluateCycleInsufficientSamplesIsNeutral(t *testing.T) {
	h := newHarness(t, risingSource(5), nil)

	report, err := h.engine.EvaluateCycle(context.Background(), testTarget)
	require.NoError(t, err)
	assert.True(t, report.Risk.Degraded)
	assert.Equal(t, NeutralRisk, report.Risk.Value)
	assert.Equal(t, models.DecisionAlert, report.Decision.Action)
	assert.Equal(t, "moderate risk", report.Decision.Reason)
}

func TestEvaluateCycleDataUnavailable(t *testing.T) {
	src := &fakeSource{series: map[string][]models.MetricSample{}, errs: map[string]error{"cpu": errors.New("502")}}
	h := newHarness(t, src, nil)

	report, err := h.engine.EvaluateCycle(context.Background(), testTarget)
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrDataUnavailable))
	assert.Contains(t, report.SeriesErrors, "cpu")
	assert.Zero(t, h.audit.Len(), "no decision without data")
	assert.Zero(t, h.breakers.Status("svc-a").FailureCount)
}

func TestEvaluateCycleFetchTimeoutCountsAsFailure(t *testing.T) {
	src := &fakeSource{block: make(chan struct{})}
	h := newHarness(t, src, func(o *Options) { o.FetchTimeout = 20 * time.Millisecond })

	_, err := h.engine.EvaluateCycle(context.Background(), testTarget)
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrDataUnavailable))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, h.breakers.Status("svc-a").FailureCount)
}

func TestEvaluateCycleRejectsOverlap(t *testing.T) {
	src := risingSource(20)
	src.block = make(chan struct{})
	src.entered = make(chan struct{})
	h := newHarness(t, src, nil)

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.EvaluateCycle(context.Background(), testTarget)
		done <- err
	}()
	<-src.entered

	_, err := h.engine.EvaluateCycle(context.Background(), testTarget)
	assert.True(t, errors.Is(err, utils.ErrCycleInProgress))

	close(src.block)
	assert.NoError(t, <-done)
}

func TestEvaluateCycleRespectsForeignLease(t *testing.T) {
	leases := cache.NewMemoryProvider(nil)
	ok, err := leases.SetNX(context.Background(), leaseKey("svc-a"), []byte("replica-b"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	h := newHarness(t, risingSource(20), func(o *Options) {
		o.Leases = leases
		o.InstanceID = "replica-a"
	})

	_, err = h.engine.EvaluateCycle(context.Background(), testTarget)
	assert.True(t, errors.Is(err, utils.ErrCycleInProgress))

	require.NoError(t, leases.DelIfEqual(context.Background(), leaseKey("svc-a"), []byte("replica-b")))
	_, err = h.engine.EvaluateCycle(context.Background(), testTarget)
	require.NoError(t, err)

	_, err = leases.Get(context.Background(), leaseKey("svc-a"))
	assert.ErrorIs(t, err, cache.ErrCacheMiss, "lease released after the cycle")
}

func TestEvaluateCycleRecordsOnlyNewSamples(t *testing.T) {
	src := risingSource(20)
	h := newHarness(t, src, nil)
	key := seriesKey("svc-a", "cpu")

	_, err := h.engine.EvaluateCycle(context.Background(), testTarget)
	require.NoError(t, err)
	_, err = h.engine.EvaluateCycle(context.Background(), testTarget)
	require.NoError(t, err)
	assert.Equal(t, 20, h.engine.Store().Len(key))

	src.append("cpu", models.MetricSample{Series: "cpu", Timestamp: t0.Add(20 * time.Minute), Value: 99})
	_, err = h.engine.EvaluateCycle(context.Background(), testTarget)
	require.NoError(t, err)
	assert.Equal(t, 21, h.engine.Store().Len(key))
	latest, ok := h.engine.Store().Latest(key)
	require.True(t, ok)
	assert.Equal(t, 99.0, latest.Value)
}

func TestEvaluateCycleProbesOpenBreaker(t *testing.T) {
	prober := &fakeProber{}
	h := newHarness(t, risingSource(20), func(o *Options) { o.Prober = prober })
	h.breakers.Trip("svc-a", "manual")
	h.clock.Add(breaker.DefaultTimeout)

	first, err := h.engine.EvaluateCycle(context.Background(), testTarget)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAlert, first.Decision.Action)

	second, err := h.engine.EvaluateCycle(context.Background(), testTarget)
	require.NoError(t, err)
	assert.Equal(t, 2, prober.calls)
	assert.Equal(t, models.DecisionRollback, second.Decision.Action, "breaker closed after two healthy probes")

	_, err = h.engine.EvaluateCycle(context.Background(), testTarget)
	require.NoError(t, err)
	assert.Equal(t, 2, prober.calls, "closed breakers are not probed")
}

func TestEvaluateCycleRemediationTimeoutCountsAsFailure(t *testing.T) {
	h := newHarness(t, risingSource(20), func(o *Options) {
		o.Executor = remediation.NewExecutor(stuckActuator{}, o.Breakers, o.Audit, o.Clock, nil)
		o.RemediationTimeout = 30 * time.Millisecond
	})

	start := time.Now()
	report, err := h.engine.EvaluateCycle(context.Background(), testTarget)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, models.DecisionRollback, report.Decision.Action)
	require.NotNil(t, report.Remediation)
	assert.Equal(t, models.RemediationFailed, report.Remediation.Status)
	assert.Equal(t, models.ActionRollbackVersion, report.Remediation.FailedAction)
	assert.Contains(t, report.Remediation.Error, context.DeadlineExceeded.Error())
	assert.Equal(t, 1, h.breakers.Status("svc-a").FailureCount)
}

func TestEvaluateCycleStalledExportDoesNotHoldTarget(t *testing.T) {
	release := make(chan struct{})
	gateway := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		gateway.Close()
	})

	h := newHarness(t, risingSource(20), func(o *Options) {
		sink := metrics.NewPushgatewaySink(gateway.URL, "", time.Minute)
		o.Exporter = metrics.NewExporter(sink, nil, 30*time.Millisecond)
	})

	for i := 0; i < 2; i++ {
		done := make(chan error, 1)
		go func() {
			_, err := h.engine.EvaluateCycle(context.Background(), testTarget)
			done <- err
		}()
		select {
		case err := <-done:
			require.NoError(t, err, "cycle %d", i)
		case <-time.After(5 * time.Second):
			t.Fatalf("cycle %d blocked on export", i)
		}
	}
}

func TestReportProbe(t *testing.T) {
	h := newHarness(t, risingSource(20), nil)
	state := h.engine.ReportProbe(models.ProbeReport{Target: "svc-a", Success: false})
	assert.Equal(t, 1, state.FailureCount)
	state = h.engine.ReportProbe(models.ProbeReport{Target: "svc-a", Success: true})
	assert.Zero(t, state.FailureCount)
}

func TestNewEngineRequiresSource(t *testing.T) {
	_, err := NewEngine(Options{})
	assert.Error(t, err)
}
