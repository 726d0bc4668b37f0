package engine

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/miradorstack/mirador-remediation/internal/anomaly"
	"github.com/miradorstack/mirador-remediation/internal/models"
)

// DefaultStrongCorrelation is the absolute coefficient above which a pair is strong.
const DefaultStrongCorrelation = 0.8

// CorrelationAnalyzer computes pairwise Pearson coefficients across series.
type CorrelationAnalyzer struct {
	strong float64
}

// NewCorrelationAnalyzer constructs an analyzer with the given strong threshold.
func NewCorrelationAnalyzer(strong float64) *CorrelationAnalyzer {
	if strong <= 0 || strong > 1 {
		strong = DefaultStrongCorrelation
	}
	return &CorrelationAnalyzer{strong: strong}
}

// Analyze returns one pair per unordered series combination with at least two
// timestamp-aligned samples. Names are ordered so SeriesA < SeriesB.
func (a *CorrelationAnalyzer) Analyze(windows map[string][]models.MetricSample) []models.CorrelationPair {
	names := make([]string, 0, len(windows))
	for name := range windows {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]models.CorrelationPair, 0)
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			_, rows := anomaly.Align(windows, []string{names[i], names[j]})
			if len(rows) < 2 {
				continue
			}
			x := make([]float64, len(rows))
			y := make([]float64, len(rows))
			for r, row := range rows {
				x[r], y[r] = row[0], row[1]
			}
			coef := stat.Correlation(x, y, nil)
			if math.IsNaN(coef) || math.IsInf(coef, 0) {
				coef = 0
			}
			pairs = append(pairs, models.CorrelationPair{
				SeriesA:     names[i],
				SeriesB:     names[j],
				Coefficient: clamp(coef, -1, 1),
				Samples:     len(rows),
			})
		}
	}
	return pairs
}

// IsStrong reports whether the pair exceeds the strong threshold in magnitude.
func (a *CorrelationAnalyzer) IsStrong(pair models.CorrelationPair) bool {
	return math.Abs(pair.Coefficient) > a.strong
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
