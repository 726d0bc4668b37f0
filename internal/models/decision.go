package models

import "time"

// DecisionAction is the outcome of one evaluation cycle.
type DecisionAction string

const (
	DecisionNone      DecisionAction = "none"
	DecisionAlert     DecisionAction = "alert"
	DecisionRemediate DecisionAction = "remediate"
	DecisionRollback  DecisionAction = "rollback"
)

// Mutating reports whether the decision acts on the target.
func (a DecisionAction) Mutating() bool {
	return a == DecisionRemediate || a == DecisionRollback
}

// Decision records the policy outcome for a target at one point in time.
type Decision struct {
	Target     string
	Action     DecisionAction
	Confidence float64
	Reason     string
	RiskScore  float64
	Actions    []Action
	Timestamp  time.Time
}

// ActionKind enumerates the remediation actions the actuator understands.
type ActionKind string

const (
	ActionRestartService       ActionKind = "restart_service"
	ActionScaleUp              ActionKind = "scale_up"
	ActionScaleDown            ActionKind = "scale_down"
	ActionRollbackVersion      ActionKind = "rollback_version"
	ActionIsolateService       ActionKind = "isolate_service"
	ActionEnableCircuitBreaker ActionKind = "enable_circuit_breaker"
	ActionMigrateWorkload      ActionKind = "migrate_workload"
	ActionResetConnection      ActionKind = "reset_connection"
	ActionClearCache           ActionKind = "clear_cache"
)

// ActionKinds lists every known action kind.
func ActionKinds() []ActionKind {
	return []ActionKind{
		ActionRestartService,
		ActionScaleUp,
		ActionScaleDown,
		ActionRollbackVersion,
		ActionIsolateService,
		ActionEnableCircuitBreaker,
		ActionMigrateWorkload,
		ActionResetConnection,
		ActionClearCache,
	}
}

// Valid reports whether k is a known action kind.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionRestartService, ActionScaleUp, ActionScaleDown, ActionRollbackVersion,
		ActionIsolateService, ActionEnableCircuitBreaker, ActionMigrateWorkload,
		ActionResetConnection, ActionClearCache:
		return true
	default:
		return false
	}
}

// Action is one remediation step with optional parameters.
type Action struct {
	Kind   ActionKind
	Params map[string]string
}

// ActionKindsOf returns the kinds of the supplied actions in order.
func ActionKindsOf(actions []Action) []ActionKind {
	kinds := make([]ActionKind, 0, len(actions))
	for _, a := range actions {
		kinds = append(kinds, a.Kind)
	}
	return kinds
}
