// Package remediation runs remediation plans against an external actuator.
package remediation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/mirador-remediation/internal/metrics"
	"github.com/miradorstack/mirador-remediation/internal/models"
	"github.com/miradorstack/mirador-remediation/internal/utils"
)

// Actuator applies a single remediation action to a target.
type Actuator interface {
	Apply(ctx context.Context, target string, action models.Action) error
}

// Prober reports whether a target currently looks healthy.
type Prober interface {
	Probe(ctx context.Context, target string) error
}

// BreakerRecorder receives remediation outcomes.
type BreakerRecorder interface {
	RecordSuccess(target string)
	RecordFailure(target, reason string) bool
}

// AuditAppender stores remediation results.
type AuditAppender interface {
	AppendRemediation(result models.RemediationResult) models.AuditEntry
}

// Executor runs actions sequentially and stops at the first failure. It does
// not consult the breaker; callers gate on it before executing.
type Executor struct {
	actuator Actuator
	breakers BreakerRecorder
	audit    AuditAppender
	clock    clock.Clock
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewExecutor constructs an Executor.
func NewExecutor(actuator Actuator, breakers BreakerRecorder, audit AuditAppender, clk clock.Clock, logger *slog.Logger) *Executor {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		actuator: actuator,
		breakers: breakers,
		audit:    audit,
		clock:    clk,
		logger:   logger,
		tracer:   otel.Tracer("github.com/miradorstack/mirador-remediation/internal/remediation"),
	}
}

// Configured reports whether an actuator is available.
func (x *Executor) Configured() bool {
	return x != nil && x.actuator != nil
}

// Execute applies actions in order. The result is always audited and fed to
// the breaker.
func (x *Executor) Execute(ctx context.Context, target string, actions []models.Action) models.RemediationResult {
	ctx, span := x.tracer.Start(ctx, "remediation.execute", trace.WithAttributes(
		attribute.String("target", target),
		attribute.Int("actions", len(actions)),
	))
	defer span.End()

	start := x.clock.Now()
	result := models.RemediationResult{
		RemediationID:   "rem-" + uuid.NewString(),
		Target:          target,
		ActionsExecuted: make([]models.ActionKind, 0, len(actions)),
		Status:          models.RemediationSuccess,
		Timestamp:       start.UTC(),
	}

	var failure error
	for _, action := range actions {
		if err := x.apply(ctx, target, action); err != nil {
			failure = err
			result.Status = models.RemediationFailed
			result.FailedAction = action.Kind
			result.Error = err.Error()
			break
		}
		result.ActionsExecuted = append(result.ActionsExecuted, action.Kind)
	}
	result.ExecutionTime = x.clock.Since(start)

	if failure != nil {
		span.RecordError(failure)
		span.SetStatus(codes.Error, result.Error)
		if x.breakers != nil {
			x.breakers.RecordFailure(target, fmt.Sprintf("%s failed: %s", result.FailedAction, result.Error))
		}
		x.logger.Warn("remediation failed",
			slog.String("target", target),
			slog.String("remediation_id", result.RemediationID),
			slog.String("action", string(result.FailedAction)),
			slog.Any("error", failure))
	} else {
		if x.breakers != nil {
			x.breakers.RecordSuccess(target)
		}
		x.logger.Info("remediation succeeded",
			slog.String("target", target),
			slog.String("remediation_id", result.RemediationID),
			slog.Int("actions", len(result.ActionsExecuted)),
			slog.Duration("elapsed", result.ExecutionTime))
	}

	if x.audit != nil {
		x.audit.AppendRemediation(result)
	}
	metrics.ObserveRemediation(string(result.Status))
	return result
}

func (x *Executor) apply(ctx context.Context, target string, action models.Action) error {
	if x.actuator == nil {
		return utils.NewAppError("apply", utils.ErrRemediationFailed, "no actuator configured", nil)
	}
	if !action.Kind.Valid() {
		return utils.NewAppError("apply", utils.ErrRemediationFailed, fmt.Sprintf("unknown action %q", action.Kind), nil)
	}
	if err := ctx.Err(); err != nil {
		return utils.NewAppError("apply", utils.ErrRemediationFailed, string(action.Kind), err)
	}
	if err := x.actuator.Apply(ctx, target, action); err != nil {
		return utils.NewAppError("apply", utils.ErrRemediationFailed, string(action.Kind), err)
	}
	return nil
}
