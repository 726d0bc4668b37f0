package models

import "time"

// AuditQuery filters audit log reads.
type AuditQuery struct {
	Target string
	Limit  int
}

// ProbeReport carries an externally observed health signal for a target.
type ProbeReport struct {
	Target     string
	Success    bool
	Reason     string
	ObservedAt time.Time
}

// CycleReport is the full outcome of one evaluation cycle.
type CycleReport struct {
	Target       string
	Decision     Decision
	Risk         RiskScore
	Anomalies    []AnomalyRecord
	Correlations []CorrelationPair
	Remediation  *RemediationResult
	SeriesErrors map[string]error
	Duration     time.Duration
}
