package anomaly

import (
	"context"
	"fmt"
)

// ModelEndpoint is a remote model-serving backend.
type ModelEndpoint interface {
	Predict(ctx context.Context, rows [][]float64) ([]Score, error)
}

// ExternalModelClient delegates scoring to a remote model. Training happens
// on the serving side, so Fit only records that rows were seen.
type ExternalModelClient struct {
	endpoint ModelEndpoint
}

// NewExternalModelClient wraps endpoint as an AnomalyScorer.
func NewExternalModelClient(endpoint ModelEndpoint) *ExternalModelClient {
	return &ExternalModelClient{endpoint: endpoint}
}

// Name identifies the scorer in logs.
func (c *ExternalModelClient) Name() string {
	return "external_model"
}

// Fit is a no-op for remotely trained models.
func (c *ExternalModelClient) Fit(context.Context, [][]float64) error {
	return nil
}

// Score posts rows to the endpoint and validates the response shape.
func (c *ExternalModelClient) Score(ctx context.Context, rows [][]float64) ([]Score, error) {
	if c.endpoint == nil {
		return nil, fmt.Errorf("external model: endpoint not configured")
	}
	scores, err := c.endpoint.Predict(ctx, rows)
	if err != nil {
		return nil, fmt.Errorf("external model: %w", err)
	}
	if len(scores) != len(rows) {
		return nil, fmt.Errorf("external model: got %d scores for %d rows", len(scores), len(rows))
	}
	return scores, nil
}
