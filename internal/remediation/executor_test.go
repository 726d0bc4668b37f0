package remediation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-remediation/internal/audit"
	"github.com/miradorstack/mirador-remediation/internal/breaker"
	"github.com/miradorstack/mirador-remediation/internal/models"
	"github.com/miradorstack/mirador-remediation/internal/utils"
)

type recordingActuator struct {
	mu      sync.Mutex
	applied []models.ActionKind
	failOn  models.ActionKind
}

func (a *recordingActuator) Apply(_ context.Context, _ string, action models.Action) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, action.Kind)
	if action.Kind == a.failOn {
		return errors.New("actuator rejected " + string(action.Kind))
	}
	return nil
}

func newExecutor(t *testing.T, act Actuator) (*Executor, *breaker.Registry, *audit.Log, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	reg := breaker.NewRegistry(breaker.Options{Clock: mock})
	log := audit.NewLog(10, mock)
	return NewExecutor(act, reg, log, mock, nil), reg, log, mock
}

func TestExecuteSuccess(t *testing.T) {
	act := &recordingActuator{}
	exec, reg, log, _ := newExecutor(t, act)
	reg.RecordFailure("svc-a", "earlier")

	result := exec.Execute(context.Background(), "svc-a", []models.Action{
		{Kind: models.ActionRestartService},
		{Kind: models.ActionScaleUp},
	})

	assert.Equal(t, models.RemediationSuccess, result.Status)
	assert.Equal(t, []models.ActionKind{models.ActionRestartService, models.ActionScaleUp}, result.ActionsExecuted)
	assert.Regexp(t, `^rem-[0-9a-f-]{36}$`, result.RemediationID)
	assert.Empty(t, result.Error)
	assert.Zero(t, reg.Status("svc-a").FailureCount, "success resets the failure count")

	entries := log.Recent(models.AuditQuery{})
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditRemediation, entries[0].Kind)
	assert.Equal(t, result.RemediationID, entries[0].Remediation.RemediationID)
}

func TestExecuteStopsAtFirstFailure(t *testing.T) {
	act := &recordingActuator{failOn: models.ActionRestartService}
	exec, reg, log, _ := newExecutor(t, act)

	result := exec.Execute(context.Background(), "svc-a", []models.Action{
		{Kind: models.ActionScaleUp},
		{Kind: models.ActionRestartService},
		{Kind: models.ActionClearCache},
	})

	assert.Equal(t, models.RemediationFailed, result.Status)
	assert.Equal(t, models.ActionRestartService, result.FailedAction)
	assert.Equal(t, []models.ActionKind{models.ActionScaleUp}, result.ActionsExecuted)
	assert.Equal(t, []models.ActionKind{models.ActionScaleUp, models.ActionRestartService}, act.applied)
	assert.Contains(t, result.Error, "actuator rejected")
	assert.Equal(t, 1, reg.Status("svc-a").FailureCount)
	assert.Equal(t, 1, log.Len())
}

func TestExecuteFiveFailuresOpenBreakerThenRecover(t *testing.T) {
	act := &recordingActuator{failOn: models.ActionRollbackVersion}
	exec, reg, _, mock := newExecutor(t, act)
	rollback := []models.Action{{Kind: models.ActionRollbackVersion}}

	for i := 0; i < 5; i++ {
		exec.Execute(context.Background(), "svc-a", rollback)
	}
	state := reg.Status("svc-a")
	require.Equal(t, models.BreakerOpen, state.Status)
	assert.Contains(t, state.Reason, "rollback_version failed")

	act.failOn = ""
	mock.Add(breaker.DefaultTimeout)
	exec.Execute(context.Background(), "svc-a", rollback)
	assert.Equal(t, models.BreakerOpen, reg.Status("svc-a").Status)
	exec.Execute(context.Background(), "svc-a", rollback)
	assert.Equal(t, models.BreakerClosed, reg.Status("svc-a").Status)
}

func TestExecuteWithoutActuatorFails(t *testing.T) {
	exec, reg, _, _ := newExecutor(t, nil)
	assert.False(t, exec.Configured())

	result := exec.Execute(context.Background(), "svc-b", []models.Action{{Kind: models.ActionScaleUp}})
	assert.Equal(t, models.RemediationFailed, result.Status)
	assert.Equal(t, 1, reg.Status("svc-b").FailureCount)
}

func TestExecuteRejectsUnknownKind(t *testing.T) {
	act := &recordingActuator{}
	exec, _, _, _ := newExecutor(t, act)

	result := exec.Execute(context.Background(), "svc", []models.Action{{Kind: "reboot_datacenter"}})
	assert.Equal(t, models.RemediationFailed, result.Status)
	assert.Empty(t, act.applied)
}

func TestExecuteCancelledContext(t *testing.T) {
	act := &recordingActuator{}
	exec, _, _, _ := newExecutor(t, act)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := exec.Execute(ctx, "svc", []models.Action{{Kind: models.ActionScaleUp}})
	assert.Equal(t, models.RemediationFailed, result.Status)
	assert.Empty(t, act.applied)
}

func TestApplyErrorsCarryKind(t *testing.T) {
	act := &recordingActuator{failOn: models.ActionScaleUp}
	exec, _, _, _ := newExecutor(t, act)
	err := exec.apply(context.Background(), "svc", models.Action{Kind: models.ActionScaleUp})
	assert.True(t, errors.Is(err, utils.ErrRemediationFailed))
}
