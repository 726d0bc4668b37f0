// Package anomaly detects anomalous rows across the aligned metric windows of
// a target.
package anomaly

import (
	"context"
	"errors"
)

// Score is the anomaly score of one feature row. More negative values are
// more anomalous.
type Score struct {
	Value   float64
	Outlier bool
}

// AnomalyScorer fits a model on feature rows and scores rows against it.
type AnomalyScorer interface {
	Name() string
	Fit(ctx context.Context, rows [][]float64) error
	Score(ctx context.Context, rows [][]float64) ([]Score, error)
}

// ErrNotFitted is returned when Score is called before a successful Fit.
var ErrNotFitted = errors.New("anomaly scorer not fitted")
