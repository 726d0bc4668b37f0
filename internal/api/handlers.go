package api

import (
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-remediation/internal/models"
	"github.com/miradorstack/mirador-remediation/internal/utils"
)

// RequiredString reads a non-empty string field from a request.
func RequiredString(req *structpb.Struct, field string) (string, error) {
	v := OptionalString(req, field)
	if v == "" {
		return "", fmt.Errorf("%s is required", field)
	}
	return v, nil
}

// OptionalString reads a string field, returning "" when absent.
func OptionalString(req *structpb.Struct, field string) string {
	if req == nil {
		return ""
	}
	return req.GetFields()[field].GetStringValue()
}

// FromStructAuditQuery maps {limit?, target?} into an AuditQuery.
func FromStructAuditQuery(req *structpb.Struct) (models.AuditQuery, error) {
	q := models.AuditQuery{Target: OptionalString(req, "target")}
	if req == nil {
		return q, nil
	}
	if v, ok := req.GetFields()["limit"]; ok {
		n := v.GetNumberValue()
		if n < 0 || n != math.Trunc(n) {
			return q, fmt.Errorf("limit must be a non-negative integer")
		}
		q.Limit = int(n)
	}
	return q, nil
}

// FromStructProbeReport maps {target, success, reason?} into a ProbeReport.
func FromStructProbeReport(req *structpb.Struct, now time.Time) (models.ProbeReport, error) {
	target, err := RequiredString(req, "target")
	if err != nil {
		return models.ProbeReport{}, err
	}
	v, ok := req.GetFields()["success"]
	if !ok {
		return models.ProbeReport{}, fmt.Errorf("success is required")
	}
	if _, isBool := v.GetKind().(*structpb.Value_BoolValue); !isBool {
		return models.ProbeReport{}, fmt.Errorf("success must be a boolean")
	}
	return models.ProbeReport{
		Target:     target,
		Success:    v.GetBoolValue(),
		Reason:     OptionalString(req, "reason"),
		ObservedAt: now,
	}, nil
}

// ToStructCycleReport converts a cycle report into its wire shape.
func ToStructCycleReport(report models.CycleReport) *structpb.Struct {
	anomalies := make([]*structpb.Value, 0, len(report.Anomalies))
	for _, a := range report.Anomalies {
		anomalies = append(anomalies, structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"series":    structpb.NewStringValue(a.Series),
			"timestamp": timeValue(a.Timestamp),
			"value":     structpb.NewNumberValue(a.Value),
			"score":     structpb.NewNumberValue(a.Score),
			"severity":  structpb.NewStringValue(string(a.Severity)),
		}}))
	}
	correlations := make([]*structpb.Value, 0, len(report.Correlations))
	for _, c := range report.Correlations {
		correlations = append(correlations, structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"series_a":    structpb.NewStringValue(c.SeriesA),
			"series_b":    structpb.NewStringValue(c.SeriesB),
			"coefficient": structpb.NewNumberValue(c.Coefficient),
			"samples":     structpb.NewNumberValue(float64(c.Samples)),
		}}))
	}

	fields := map[string]*structpb.Value{
		"target":       structpb.NewStringValue(report.Target),
		"decision":     structpb.NewStructValue(ToStructDecision(report.Decision)),
		"risk":         structpb.NewStructValue(toStructRisk(report.Risk)),
		"anomalies":    structpb.NewListValue(&structpb.ListValue{Values: anomalies}),
		"correlations": structpb.NewListValue(&structpb.ListValue{Values: correlations}),
		"duration_ms":  structpb.NewNumberValue(float64(report.Duration.Milliseconds())),
	}
	if report.Remediation != nil {
		fields["remediation"] = structpb.NewStructValue(ToStructRemediation(*report.Remediation))
	}
	if len(report.SeriesErrors) > 0 {
		errs := make(map[string]*structpb.Value, len(report.SeriesErrors))
		for name, err := range report.SeriesErrors {
			errs[name] = structpb.NewStringValue(err.Error())
		}
		fields["series_errors"] = structpb.NewStructValue(&structpb.Struct{Fields: errs})
	}
	return &structpb.Struct{Fields: fields}
}

// ToStructDecision converts a decision into its wire shape.
func ToStructDecision(d models.Decision) *structpb.Struct {
	actions := make([]*structpb.Value, 0, len(d.Actions))
	for _, a := range d.Actions {
		actions = append(actions, structpb.NewStringValue(string(a.Kind)))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"target":     structpb.NewStringValue(d.Target),
		"action":     structpb.NewStringValue(string(d.Action)),
		"confidence": structpb.NewNumberValue(d.Confidence),
		"reason":     structpb.NewStringValue(d.Reason),
		"risk_score": structpb.NewNumberValue(d.RiskScore),
		"actions":    structpb.NewListValue(&structpb.ListValue{Values: actions}),
		"timestamp":  timeValue(d.Timestamp),
	}}
}

// ToStructRemediation converts a remediation result into its wire shape.
func ToStructRemediation(r models.RemediationResult) *structpb.Struct {
	executed := make([]*structpb.Value, 0, len(r.ActionsExecuted))
	for _, k := range r.ActionsExecuted {
		executed = append(executed, structpb.NewStringValue(string(k)))
	}
	fields := map[string]*structpb.Value{
		"remediation_id":    structpb.NewStringValue(r.RemediationID),
		"target":            structpb.NewStringValue(r.Target),
		"actions_executed":  structpb.NewListValue(&structpb.ListValue{Values: executed}),
		"status":            structpb.NewStringValue(string(r.Status)),
		"execution_time_ms": structpb.NewNumberValue(float64(r.ExecutionTime.Milliseconds())),
		"timestamp":         timeValue(r.Timestamp),
	}
	if r.FailedAction != "" {
		fields["failed_action"] = structpb.NewStringValue(string(r.FailedAction))
	}
	if r.Error != "" {
		fields["error"] = structpb.NewStringValue(r.Error)
	}
	return &structpb.Struct{Fields: fields}
}

// ToStructBreakerState converts a breaker snapshot into its wire shape.
func ToStructBreakerState(s models.BreakerState) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"target":        structpb.NewStringValue(s.Target),
		"status":        structpb.NewStringValue(string(s.Status)),
		"failure_count": structpb.NewNumberValue(float64(s.FailureCount)),
		"success_count": structpb.NewNumberValue(float64(s.SuccessCount)),
		"reason":        structpb.NewStringValue(s.Reason),
	}
	if !s.OpenedAt.IsZero() {
		fields["opened_at"] = timeValue(s.OpenedAt)
	}
	if !s.LastTransition.IsZero() {
		fields["last_transition"] = timeValue(s.LastTransition)
	}
	return &structpb.Struct{Fields: fields}
}

// ToStructBreakerStates wraps a list of breaker snapshots as {breakers: [...]}.
func ToStructBreakerStates(states []models.BreakerState) *structpb.Struct {
	values := make([]*structpb.Value, 0, len(states))
	for _, s := range states {
		values = append(values, structpb.NewStructValue(ToStructBreakerState(s)))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"breakers": structpb.NewListValue(&structpb.ListValue{Values: values}),
	}}
}

// ToStructAuditEntries wraps audit entries as {entries: [...]}.
func ToStructAuditEntries(entries []models.AuditEntry) *structpb.Struct {
	values := make([]*structpb.Value, 0, len(entries))
	for _, e := range entries {
		fields := map[string]*structpb.Value{
			"sequence":  structpb.NewNumberValue(float64(e.Sequence)),
			"timestamp": timeValue(e.Timestamp),
			"kind":      structpb.NewStringValue(string(e.Kind)),
			"target":    structpb.NewStringValue(e.Target),
		}
		if e.Decision != nil {
			fields["decision"] = structpb.NewStructValue(ToStructDecision(*e.Decision))
		}
		if e.Remediation != nil {
			fields["remediation"] = structpb.NewStructValue(ToStructRemediation(*e.Remediation))
		}
		values = append(values, structpb.NewStructValue(&structpb.Struct{Fields: fields}))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"entries": structpb.NewListValue(&structpb.ListValue{Values: values}),
	}}
}

func toStructRisk(r models.RiskScore) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"value":       structpb.NewNumberValue(r.Value),
		"degraded":    structpb.NewBoolValue(r.Degraded),
		"computed_at": timeValue(r.ComputedAt),
	}
	if r.Reason != "" {
		fields["reason"] = structpb.NewStringValue(r.Reason)
	}
	return &structpb.Struct{Fields: fields}
}

func timeValue(t time.Time) *structpb.Value {
	if t.IsZero() {
		return structpb.NewNullValue()
	}
	return structpb.NewStringValue(t.UTC().Format(time.RFC3339Nano))
}

// StatusFromError maps domain error kinds onto gRPC status codes.
func StatusFromError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, utils.ErrDataUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, utils.ErrInsufficientSamples):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, utils.ErrCycleInProgress):
		return status.Error(codes.Aborted, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
