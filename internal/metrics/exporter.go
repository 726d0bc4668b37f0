package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/miradorstack/mirador-remediation/internal/models"
	"github.com/miradorstack/mirador-remediation/internal/utils"
)

// DefaultExportTimeout bounds a single export so a slow sink cannot stall a
// cycle.
const DefaultExportTimeout = 5 * time.Second

// identityLabel identifies the series a value replaces. Pushing a value for a
// target drops whatever the sink held for that target under the same name.
const identityLabel = "target"

// Sink receives exported gauge values.
type Sink interface {
	Push(ctx context.Context, name string, labels map[string]string, value float64) error
}

// RegistrySink exposes pushed values as gauges on a Prometheus registerer.
type RegistrySink struct {
	reg prometheus.Registerer

	mu     sync.Mutex
	gauges map[string]*gaugeFamily
}

type gaugeFamily struct {
	keys []string
	vec  *prometheus.GaugeVec
}

// NewRegistrySink constructs a sink backed by reg.
func NewRegistrySink(reg prometheus.Registerer) *RegistrySink {
	return &RegistrySink{reg: reg, gauges: make(map[string]*gaugeFamily)}
}

// Push sets the gauge identified by name and labels.
func (s *RegistrySink) Push(_ context.Context, name string, labels map[string]string, value float64) error {
	keys := labelKeys(labels)

	s.mu.Lock()
	defer s.mu.Unlock()
	family, ok := s.gauges[name]
	if !ok {
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mirador_remediation",
			Name:      name,
			Help:      "Exported remediation signal " + name + ".",
		}, keys)
		if err := s.reg.Register(vec); err != nil {
			are, isAlready := err.(prometheus.AlreadyRegisteredError)
			if !isAlready {
				return fmt.Errorf("register gauge %s: %w", name, err)
			}
			existing, isGauge := are.ExistingCollector.(*prometheus.GaugeVec)
			if !isGauge {
				return fmt.Errorf("register gauge %s: collector type mismatch", name)
			}
			vec = existing
		}
		family = &gaugeFamily{keys: keys, vec: vec}
		s.gauges[name] = family
	}
	if strings.Join(family.keys, ",") != strings.Join(keys, ",") {
		return fmt.Errorf("gauge %s: label set %v does not match %v", name, keys, family.keys)
	}
	if id, ok := labels[identityLabel]; ok {
		family.vec.DeletePartialMatch(prometheus.Labels{identityLabel: id})
	}
	gauge, err := family.vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return fmt.Errorf("gauge %s: %w", name, err)
	}
	gauge.Set(value)
	return nil
}

// PushgatewaySink pushes each value to a Prometheus Pushgateway. Values are
// grouped by target and added with POST, so a push replaces only the metric
// of the same name within that target's group.
type PushgatewaySink struct {
	url    string
	job    string
	client *http.Client
}

// NewPushgatewaySink constructs a sink targeting the gateway at url. Each
// request is bounded by timeout.
func NewPushgatewaySink(url, job string, timeout time.Duration) *PushgatewaySink {
	if job == "" {
		job = "mirador-remediation"
	}
	if timeout <= 0 {
		timeout = DefaultExportTimeout
	}
	return &PushgatewaySink{url: url, job: job, client: &http.Client{Timeout: timeout}}
}

// Push sends the value as a single gauge. The target label becomes the
// grouping key and the remaining labels are attached to the gauge.
func (s *PushgatewaySink) Push(ctx context.Context, name string, labels map[string]string, value float64) error {
	constLabels := prometheus.Labels{}
	for k, v := range labels {
		if k != identityLabel {
			constLabels[k] = v
		}
	}
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "mirador_remediation",
		Name:        name,
		Help:        "Exported remediation signal " + name + ".",
		ConstLabels: constLabels,
	})
	gauge.Set(value)

	pusher := push.New(s.url, s.job).Client(s.client).Collector(gauge)
	if id, ok := labels[identityLabel]; ok {
		pusher = pusher.Grouping(identityLabel, id)
	}
	if err := pusher.AddContext(ctx); err != nil {
		return fmt.Errorf("push %s: %w", name, err)
	}
	return nil
}

// Exporter publishes risk, decision and breaker signals to a Sink. Failures
// are logged and counted, never returned.
type Exporter struct {
	sink    Sink
	logger  *slog.Logger
	timeout time.Duration
}

// NewExporter wraps sink. A nil sink disables exporting. Each push gets its
// own deadline of timeout, detached from the caller's cancellation.
func NewExporter(sink Sink, logger *slog.Logger, timeout time.Duration) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultExportTimeout
	}
	return &Exporter{sink: sink, logger: logger, timeout: timeout}
}

// ExportRisk publishes the current risk score of a target and whether it was
// a degraded estimate.
func (e *Exporter) ExportRisk(ctx context.Context, target string, risk models.RiskScore) {
	degraded := 0.0
	if risk.Degraded {
		degraded = 1
	}
	e.push(ctx, "risk_score", map[string]string{"target": target}, risk.Value)
	e.push(ctx, "risk_degraded", map[string]string{"target": target}, degraded)
}

// ExportDecision publishes the decision confidence labelled by action. Only
// the latest action is kept per target.
func (e *Exporter) ExportDecision(ctx context.Context, decision models.Decision) {
	e.push(ctx, "decision_confidence", map[string]string{
		"target": decision.Target,
		"action": string(decision.Action),
	}, decision.Confidence)
}

// ExportBreaker publishes 1 for an open breaker and 0 for a closed one.
func (e *Exporter) ExportBreaker(ctx context.Context, state models.BreakerState) {
	value := 0.0
	if state.Status == models.BreakerOpen {
		value = 1
	}
	e.push(ctx, "breaker_open", map[string]string{"target": state.Target}, value)
}

func (e *Exporter) push(ctx context.Context, name string, labels map[string]string, value float64) {
	if e == nil || e.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()
	if err := e.sink.Push(ctx, name, labels, value); err != nil {
		observeExportFailure()
		e.logger.Warn("metric export failed",
			slog.String("metric", name),
			slog.Any("error", utils.NewAppError("export", utils.ErrExportFailed, name, err)))
	}
}

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
