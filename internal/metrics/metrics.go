package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels cycles that produced a decision.
	OutcomeSuccess = "success"
	// OutcomeError labels cycles that failed (data or dependency issues).
	OutcomeError = "error"
	// OutcomeSkipped labels cycles skipped because another one held the target.
	OutcomeSkipped = "skipped"
)

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_remediation",
			Name:      "cycles_total",
			Help:      "Total number of evaluation cycles, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	cycleDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mirador_remediation",
			Name:      "cycle_seconds",
			Help:      "Evaluation cycle latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_remediation",
			Name:      "decisions_total",
			Help:      "Decisions emitted, partitioned by action.",
		},
		[]string{"action"},
	)

	remediationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_remediation",
			Name:      "remediations_total",
			Help:      "Remediations executed, partitioned by status.",
		},
		[]string{"status"},
	)

	breakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_remediation",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker transitions, partitioned by destination state.",
		},
		[]string{"to"},
	)

	exportFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mirador_remediation",
			Name:      "export_failures_total",
			Help:      "Metric pushes that failed to reach the configured sink.",
		},
	)
)

// Register attaches mirador-remediation collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		cyclesTotal,
		cycleDurationSeconds,
		decisionsTotal,
		remediationsTotal,
		breakerTransitionsTotal,
		exportFailuresTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveCycle records a cycle duration and outcome label.
func ObserveCycle(duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError && label != OutcomeSkipped {
		label = OutcomeSuccess
	}
	cyclesTotal.WithLabelValues(label).Inc()
	if label == OutcomeSkipped {
		return
	}
	if duration < 0 {
		duration = 0
	}
	cycleDurationSeconds.Observe(duration.Seconds())
}

// ObserveDecision counts an emitted decision.
func ObserveDecision(action string) {
	decisionsTotal.WithLabelValues(action).Inc()
}

// ObserveRemediation counts an executed remediation.
func ObserveRemediation(status string) {
	remediationsTotal.WithLabelValues(status).Inc()
}

// ObserveBreakerTransition counts a breaker state change.
func ObserveBreakerTransition(to string) {
	breakerTransitionsTotal.WithLabelValues(to).Inc()
}

func observeExportFailure() {
	exportFailuresTotal.Inc()
}
