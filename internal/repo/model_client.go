package repo

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/miradorstack/mirador-remediation/internal/anomaly"
)

// ModelClient posts feature rows to a model-serving endpoint.
type ModelClient struct {
	jsonClient
	endpoint string
}

// NewModelClient constructs a client for the scoring endpoint URL.
func NewModelClient(endpoint string, timeout time.Duration) *ModelClient {
	return &ModelClient{
		jsonClient: jsonClient{name: "model server", httpClient: &http.Client{Timeout: timeout}},
		endpoint:   endpoint,
	}
}

// Predict returns one score per row.
func (c *ModelClient) Predict(ctx context.Context, rows [][]float64) ([]anomaly.Score, error) {
	var response struct {
		Scores   []float64 `json:"scores"`
		Outliers []bool    `json:"outliers"`
	}
	if err := c.postJSON(ctx, c.endpoint, map[string]any{"rows": rows}, &response); err != nil {
		return nil, fmt.Errorf("model prediction failed: %w", err)
	}
	if len(response.Outliers) != len(response.Scores) {
		return nil, fmt.Errorf("model returned %d scores and %d outlier flags", len(response.Scores), len(response.Outliers))
	}
	scores := make([]anomaly.Score, len(response.Scores))
	for i, v := range response.Scores {
		scores[i] = anomaly.Score{Value: v, Outlier: response.Outliers[i]}
	}
	return scores, nil
}
