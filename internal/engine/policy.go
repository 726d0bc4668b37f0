package engine

import (
	"fmt"
	"math"

	"github.com/benbjohnson/clock"

	"github.com/miradorstack/mirador-remediation/internal/models"
)

const (
	// DefaultRiskThreshold is the risk at or above which a target is critical.
	DefaultRiskThreshold = 0.7
	moderateRisk         = 0.5
	maxAutoConfidence    = 0.95
)

// DecisionPolicy maps a risk score to an action. It is pure apart from the
// decision timestamp.
type DecisionPolicy struct {
	autoRemediate bool
	threshold     float64
	clock         clock.Clock
}

// NewDecisionPolicy constructs a policy.
func NewDecisionPolicy(autoRemediate bool, threshold float64, clk clock.Clock) *DecisionPolicy {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultRiskThreshold
	}
	if clk == nil {
		clk = clock.New()
	}
	return &DecisionPolicy{autoRemediate: autoRemediate, threshold: threshold, clock: clk}
}

// Decide applies the risk bands. When auto-remediation applies and plan is
// non-empty the decision is remediate with that plan, otherwise rollback.
func (p *DecisionPolicy) Decide(target string, risk models.RiskScore, plan []models.Action) models.Decision {
	value := risk.Value
	decision := models.Decision{
		Target:    target,
		RiskScore: value,
		Timestamp: p.clock.Now().UTC(),
	}

	switch {
	case value >= p.threshold && p.autoRemediate:
		decision.Confidence = math.Min(value, maxAutoConfidence)
		decision.Reason = fmt.Sprintf("risk %.2f exceeds threshold %.2f", value, p.threshold)
		if len(plan) > 0 {
			decision.Action = models.DecisionRemediate
			decision.Actions = append([]models.Action(nil), plan...)
		} else {
			decision.Action = models.DecisionRollback
			decision.Actions = []models.Action{{Kind: models.ActionRollbackVersion}}
		}
	case value >= p.threshold:
		decision.Action = models.DecisionAlert
		decision.Confidence = value
		decision.Reason = "critical risk, auto-remediate disabled"
	case value >= moderateRisk:
		decision.Action = models.DecisionAlert
		decision.Confidence = value
		decision.Reason = "moderate risk"
	default:
		decision.Action = models.DecisionNone
		decision.Confidence = 1 - value
		decision.Reason = "risk acceptable"
	}
	return decision
}

// Threshold returns the critical risk threshold.
func (p *DecisionPolicy) Threshold() float64 {
	return p.threshold
}

// AutoRemediate reports whether critical risk may trigger remediation.
func (p *DecisionPolicy) AutoRemediate() bool {
	return p.autoRemediate
}

// Degrade turns a mutating decision into an alert, naming the gate that blocked it.
func Degrade(decision models.Decision, gate string) models.Decision {
	if !decision.Action.Mutating() {
		return decision
	}
	decision.Action = models.DecisionAlert
	decision.Confidence = decision.RiskScore
	decision.Reason = fmt.Sprintf("%s, %s suppressed", gate, actionVerb(decision.Actions))
	decision.Actions = nil
	return decision
}

func actionVerb(actions []models.Action) string {
	if len(actions) == 1 && actions[0].Kind == models.ActionRollbackVersion {
		return "rollback"
	}
	return "remediation"
}
