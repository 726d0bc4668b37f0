package engine

import (
	"math"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/miradorstack/mirador-remediation/internal/models"
)

const (
	anomalyWeight     = 0.4
	severityWeight    = 0.4
	correlationWeight = 0.2

	anomalySaturation     = 10.0
	severitySaturation    = 5.0
	correlationSaturation = 3.0

	// NeutralRisk is reported when scoring could not run.
	NeutralRisk = 0.5
)

// RiskScorer fuses anomalies and correlations into a bounded risk value.
type RiskScorer struct {
	analyzer *CorrelationAnalyzer
	clock    clock.Clock
}

// NewRiskScorer constructs a scorer that counts strong pairs with analyzer.
func NewRiskScorer(analyzer *CorrelationAnalyzer, clk clock.Clock) *RiskScorer {
	if analyzer == nil {
		analyzer = NewCorrelationAnalyzer(DefaultStrongCorrelation)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &RiskScorer{analyzer: analyzer, clock: clk}
}

// Score returns 0.4*min(n/10,1) + 0.4*min(high/5,1) + 0.2*min(strong/3,1)
// clamped to [0,1].
func (s *RiskScorer) Score(anomalies []models.AnomalyRecord, correlations []models.CorrelationPair) models.RiskScore {
	high := 0
	for _, a := range anomalies {
		if a.Severity == models.SeverityHigh {
			high++
		}
	}
	strong := 0
	for _, pair := range correlations {
		if s.analyzer.IsStrong(pair) {
			strong++
		}
	}

	value := anomalyWeight*math.Min(float64(len(anomalies))/anomalySaturation, 1) +
		severityWeight*math.Min(float64(high)/severitySaturation, 1) +
		correlationWeight*math.Min(float64(strong)/correlationSaturation, 1)

	if math.IsNaN(value) || math.IsInf(value, 0) {
		return s.Neutral("risk value not finite")
	}
	return models.RiskScore{Value: clamp(value, 0, 1), ComputedAt: s.now()}
}

// Neutral returns the degraded 0.5 estimate used when risk cannot be computed.
func (s *RiskScorer) Neutral(reason string) models.RiskScore {
	return models.RiskScore{Value: NeutralRisk, ComputedAt: s.now(), Degraded: true, Reason: reason}
}

func (s *RiskScorer) now() time.Time {
	return s.clock.Now().UTC()
}
