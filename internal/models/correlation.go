package models

import "time"

// AnomalyRecord captures a sample flagged by the anomaly detector.
type AnomalyRecord struct {
	Series    string
	Timestamp time.Time
	Value     float64
	Score     float64
	Severity  Severity
}

// CorrelationPair is the Pearson coefficient between two aligned series.
type CorrelationPair struct {
	SeriesA     string
	SeriesB     string
	Coefficient float64
	Samples     int
}

// RiskScore summarises how dangerous current conditions are for a target.
type RiskScore struct {
	Value      float64
	ComputedAt time.Time
	// Degraded marks a neutral estimate produced because scoring could not run.
	Degraded bool
	Reason   string
}

// Severity captures impact levels.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// HighSeverityScore is the anomaly score below which a flagged sample is high severity.
const HighSeverityScore = -0.5

// SeverityForScore derives the severity of a flagged sample from its score.
func SeverityForScore(score float64) Severity {
	if score < HighSeverityScore {
		return SeverityHigh
	}
	return SeverityMedium
}
