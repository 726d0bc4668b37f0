package models

import "time"

// RemediationStatus is the terminal status of a remediation run.
type RemediationStatus string

const (
	RemediationSuccess RemediationStatus = "success"
	RemediationFailed  RemediationStatus = "failed"
)

// RemediationResult describes one executed remediation.
type RemediationResult struct {
	RemediationID   string
	Target          string
	ActionsExecuted []ActionKind
	FailedAction    ActionKind
	Status          RemediationStatus
	Error           string
	ExecutionTime   time.Duration
	Timestamp       time.Time
}

// BreakerStatus enumerates circuit breaker states.
type BreakerStatus string

const (
	BreakerClosed BreakerStatus = "closed"
	BreakerOpen   BreakerStatus = "open"
)

// BreakerState is a point-in-time copy of a target's circuit breaker.
type BreakerState struct {
	Target         string
	Status         BreakerStatus
	FailureCount   int
	SuccessCount   int
	OpenedAt       time.Time
	Reason         string
	LastTransition time.Time
}

// AuditKind distinguishes audit entry payloads.
type AuditKind string

const (
	AuditDecision    AuditKind = "decision"
	AuditRemediation AuditKind = "remediation"
)

// AuditEntry wraps a decision or remediation result with its log position.
type AuditEntry struct {
	Sequence    uint64
	Timestamp   time.Time
	Kind        AuditKind
	Target      string
	Decision    *Decision
	Remediation *RemediationResult
}
