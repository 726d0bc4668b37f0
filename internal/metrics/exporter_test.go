package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-remediation/internal/models"
)

func TestRegistrySinkSetsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewRegistrySink(reg)
	exporter := NewExporter(sink, nil, 0)

	exporter.ExportRisk(context.Background(), "checkout", models.RiskScore{Value: 0.42})
	exporter.ExportRisk(context.Background(), "checkout", models.RiskScore{Value: 0.73})
	exporter.ExportBreaker(context.Background(), models.BreakerState{Target: "checkout", Status: models.BreakerOpen})

	family := sink.gauges["risk_score"]
	require.NotNil(t, family)
	value := testutil.ToFloat64(family.vec.WithLabelValues("checkout"))
	assert.InDelta(t, 0.73, value, 1e-9)

	degraded := sink.gauges["risk_degraded"]
	require.NotNil(t, degraded)
	assert.Equal(t, 0.0, testutil.ToFloat64(degraded.vec.WithLabelValues("checkout")))

	breaker := sink.gauges["breaker_open"]
	require.NotNil(t, breaker)
	assert.Equal(t, 1.0, testutil.ToFloat64(breaker.vec.WithLabelValues("checkout")))
}

func TestRegistrySinkKeepsOneSeriesPerTarget(t *testing.T) {
	reg := prometheus.NewRegistry()
	exporter := NewExporter(NewRegistrySink(reg), nil, 0)
	ctx := context.Background()

	exporter.ExportRisk(ctx, "svc-a", models.RiskScore{Value: 0.5, Degraded: true})
	exporter.ExportRisk(ctx, "svc-a", models.RiskScore{Value: 0.1})
	exporter.ExportRisk(ctx, "svc-b", models.RiskScore{Value: 0.3})
	exporter.ExportDecision(ctx, models.Decision{Target: "svc-a", Action: models.DecisionAlert, Confidence: 0.5})
	exporter.ExportDecision(ctx, models.Decision{Target: "svc-a", Action: models.DecisionNone, Confidence: 0.9})

	count, err := testutil.GatherAndCount(reg, "mirador_remediation_risk_score")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one risk series per target")

	count, err = testutil.GatherAndCount(reg, "mirador_remediation_decision_confidence")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	expected := `
# HELP mirador_remediation_risk_score Exported remediation signal risk_score.
# TYPE mirador_remediation_risk_score gauge
mirador_remediation_risk_score{target="svc-a"} 0.1
mirador_remediation_risk_score{target="svc-b"} 0.3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "mirador_remediation_risk_score"))
}

func TestRegistrySinkRejectsMismatchedLabels(t *testing.T) {
	sink := NewRegistrySink(prometheus.NewRegistry())
	ctx := context.Background()

	require.NoError(t, sink.Push(ctx, "signal", map[string]string{"target": "a"}, 1))
	err := sink.Push(ctx, "signal", map[string]string{"target": "a", "extra": "x"}, 1)
	assert.Error(t, err)
}

type failingSink struct {
	mu    sync.Mutex
	calls int
}

func (f *failingSink) Push(context.Context, string, map[string]string, float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return errors.New("sink offline")
}

func TestExporterSwallowsSinkFailures(t *testing.T) {
	sink := &failingSink{}
	exporter := NewExporter(sink, nil, 0)
	before := testutil.ToFloat64(exportFailuresTotal)

	exporter.ExportDecision(context.Background(), models.Decision{Target: "api", Action: models.DecisionAlert, Confidence: 0.6})

	assert.Equal(t, 1, sink.calls)
	assert.Equal(t, before+1, testutil.ToFloat64(exportFailuresTotal))
}

func TestNilExporterIsNoop(t *testing.T) {
	var exporter *Exporter
	exporter.ExportRisk(context.Background(), "x", models.RiskScore{Value: 1})
	NewExporter(nil, nil, 0).ExportRisk(context.Background(), "x", models.RiskScore{Value: 1})
}

func TestPushgatewaySinkGroupsByLabels(t *testing.T) {
	var (
		gotMethod string
		gotPath   string
		gotBody   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewPushgatewaySink(srv.URL, "", 0)
	err := sink.Push(context.Background(), "decision_confidence", map[string]string{"target": "svc-a", "action": "alert"}, 0.9)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod, "adds to the group instead of replacing it")
	assert.Equal(t, "/metrics/job/mirador-remediation/target/svc-a", gotPath)
	assert.NotEmpty(t, gotBody)
}

// hangingGateway accepts connections and never answers until the test ends.
func hangingGateway(t *testing.T) *httptest.Server {
	t.Helper()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	return srv
}

func TestPushgatewaySinkClientTimeout(t *testing.T) {
	srv := hangingGateway(t)
	sink := NewPushgatewaySink(srv.URL, "job", 50*time.Millisecond)

	start := time.Now()
	err := sink.Push(context.Background(), "risk_score", map[string]string{"target": "svc-a"}, 1)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExporterBoundsStalledGateway(t *testing.T) {
	srv := hangingGateway(t)
	sink := NewPushgatewaySink(srv.URL, "job", time.Minute)
	exporter := NewExporter(sink, nil, 50*time.Millisecond)
	before := testutil.ToFloat64(exportFailuresTotal)

	done := make(chan struct{})
	go func() {
		defer close(done)
		exporter.ExportRisk(context.Background(), "svc-a", models.RiskScore{Value: 0.9})
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("export did not return while the gateway was stalled")
	}
	assert.Equal(t, before+2, testutil.ToFloat64(exportFailuresTotal))
}

func TestPushgatewaySinkReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewPushgatewaySink(srv.URL, "job", 0).Push(context.Background(), "risk_score", nil, 1)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "risk_score"))
}

func TestObserveCycleLabels(t *testing.T) {
	before := testutil.ToFloat64(cyclesTotal.WithLabelValues(OutcomeSuccess))
	ObserveCycle(0, "anything")
	assert.Equal(t, before+1, testutil.ToFloat64(cyclesTotal.WithLabelValues(OutcomeSuccess)))

	skipped := testutil.ToFloat64(cyclesTotal.WithLabelValues(OutcomeSkipped))
	ObserveCycle(0, OutcomeSkipped)
	assert.Equal(t, skipped+1, testutil.ToFloat64(cyclesTotal.WithLabelValues(OutcomeSkipped)))
}

func TestRegisterTolerant(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))
}
