package engine

import (
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-remediation/internal/models"
)

func risk(v float64) models.RiskScore { return models.RiskScore{Value: v} }

func TestDecideCriticalAutoRemediateRollsBack(t *testing.T) {
	policy := NewDecisionPolicy(true, 0.7, clock.NewMock())

	d := policy.Decide("svc-a", risk(0.85), nil)
	assert.Equal(t, models.DecisionRollback, d.Action)
	assert.InDelta(t, 0.85, d.Confidence, 1e-9)
	assert.Contains(t, d.Reason, "threshold")
	require.Len(t, d.Actions, 1)
	assert.Equal(t, models.ActionRollbackVersion, d.Actions[0].Kind)
}

func TestDecideCriticalWithPlanRemediates(t *testing.T) {
	policy := NewDecisionPolicy(true, 0.7, nil)
	plan := []models.Action{{Kind: models.ActionScaleUp}}

	d := policy.Decide("svc-a", risk(0.99), plan)
	assert.Equal(t, models.DecisionRemediate, d.Action)
	assert.Equal(t, 0.95, d.Confidence, "auto confidence is capped")
	assert.Equal(t, plan, d.Actions)
}

func TestDecideCriticalWithoutAutoAlerts(t *testing.T) {
	d := NewDecisionPolicy(false, 0.7, nil).Decide("svc-a", risk(0.85), nil)
	assert.Equal(t, models.DecisionAlert, d.Action)
	assert.Equal(t, 0.85, d.Confidence)
	assert.Equal(t, "critical risk, auto-remediate disabled", d.Reason)
	assert.Empty(t, d.Actions)
}

func TestDecideLowRiskNone(t *testing.T) {
	d := NewDecisionPolicy(true, 0.7, nil).Decide("svc-a", risk(0.3), nil)
	assert.Equal(t, models.DecisionNone, d.Action)
	assert.InDelta(t, 0.7, d.Confidence, 1e-9)
	assert.Equal(t, "risk acceptable", d.Reason)
}

func TestDecideBands(t *testing.T) {
	policy := NewDecisionPolicy(true, 0.7, nil)
	cases := []struct {
		value  float64
		action models.DecisionAction
	}{
		{0, models.DecisionNone},
		{0.49, models.DecisionNone},
		{0.5, models.DecisionAlert},
		{0.69, models.DecisionAlert},
		{0.7, models.DecisionRollback},
		{1, models.DecisionRollback},
	}
	for _, tc := range cases {
		d := policy.Decide("t", risk(tc.value), nil)
		assert.Equal(t, tc.action, d.Action, "risk %.2f", tc.value)
		assert.Equal(t, tc.value, d.RiskScore)
	}
}

func TestDegradeOnlyTouchesMutatingDecisions(t *testing.T) {
	policy := NewDecisionPolicy(true, 0.7, nil)

	alert := policy.Decide("t", risk(0.6), nil)
	assert.Equal(t, alert, Degrade(alert, GateBreakerOpen))

	d := Degrade(policy.Decide("t", risk(0.9), nil), GateBreakerOpen)
	assert.Equal(t, models.DecisionAlert, d.Action)
	assert.Equal(t, 0.9, d.Confidence)
	assert.Equal(t, "circuit breaker open, rollback suppressed", d.Reason)
	assert.Empty(t, d.Actions)
}

func TestNewDecisionPolicyDefaultsThreshold(t *testing.T) {
	p := NewDecisionPolicy(false, 0, nil)
	assert.Equal(t, DefaultRiskThreshold, p.Threshold())
	assert.False(t, p.AutoRemediate())
}
