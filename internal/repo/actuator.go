package repo

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/miradorstack/mirador-remediation/internal/models"
)

// ActuatorClient applies remediation actions through the actuator HTTP API.
type ActuatorClient struct {
	jsonClient
}

// NewActuatorClient constructs a client for the actuator at baseURL.
func NewActuatorClient(baseURL string, timeout time.Duration) *ActuatorClient {
	return &ActuatorClient{jsonClient: jsonClient{
		name:       "actuator",
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}}
}

type actionRequest struct {
	Target string            `json:"target"`
	Action string            `json:"action"`
	Params map[string]string `json:"params,omitempty"`
}

// Apply posts the action to <baseURL>/actions/<kind>.
func (c *ActuatorClient) Apply(ctx context.Context, target string, action models.Action) error {
	if c.baseURL == "" {
		return fmt.Errorf("actuator base URL not configured")
	}
	params, err := actionParams(action)
	if err != nil {
		return err
	}
	req := actionRequest{Target: target, Action: string(action.Kind), Params: params}
	if err := c.postJSON(ctx, c.resolvePath("/actions/"+string(action.Kind)), req, nil); err != nil {
		return fmt.Errorf("apply %s to %s: %w", action.Kind, target, err)
	}
	return nil
}

// Probe checks <baseURL>/targets/<target>/health; any 2xx counts as healthy.
func (c *ActuatorClient) Probe(ctx context.Context, target string) error {
	if c.baseURL == "" {
		return fmt.Errorf("actuator base URL not configured")
	}
	endpoint := c.resolvePath("/targets/" + url.PathEscape(target) + "/health")
	if err := c.getJSON(ctx, endpoint, nil); err != nil {
		return fmt.Errorf("probe %s: %w", target, err)
	}
	return nil
}

// actionParams merges caller parameters over the defaults of each action kind.
func actionParams(action models.Action) (map[string]string, error) {
	defaults := map[string]string{}
	switch action.Kind {
	case models.ActionScaleUp:
		defaults["replicas_delta"] = "1"
	case models.ActionScaleDown:
		defaults["replicas_delta"] = "-1"
	case models.ActionRollbackVersion:
		defaults["version"] = "previous"
	case models.ActionRestartService:
		defaults["strategy"] = "rolling"
	case models.ActionIsolateService:
		defaults["mode"] = "drain"
	case models.ActionEnableCircuitBreaker:
		defaults["scope"] = "ingress"
	case models.ActionMigrateWorkload:
		defaults["placement"] = "auto"
	case models.ActionResetConnection, models.ActionClearCache:
	default:
		return nil, fmt.Errorf("unknown action %q", action.Kind)
	}
	for k, v := range action.Params {
		defaults[k] = v
	}
	return defaults, nil
}
