package anomaly

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// Ensemble defaults.
const (
	DefaultTrees         = 100
	DefaultSampleSize    = 256
	DefaultContamination = 0.1
	DefaultZThreshold    = 2.5
	DefaultSeed          = 42
)

// EnsembleOptions tunes the statistical ensemble.
type EnsembleOptions struct {
	Trees         int
	SampleSize    int
	Contamination float64
	ZThreshold    float64
	Seed          uint64
}

// StatisticalEnsemble combines an isolation forest with a per-column z-score
// voter. A row is an outlier only when both voters flag it.
type StatisticalEnsemble struct {
	opts EnsembleOptions

	mu     sync.RWMutex
	forest *isolationForest
	means  []float64
	stds   []float64
}

// NewStatisticalEnsemble constructs an unfitted ensemble.
func NewStatisticalEnsemble(opts EnsembleOptions) *StatisticalEnsemble {
	if opts.Trees <= 0 {
		opts.Trees = DefaultTrees
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = DefaultSampleSize
	}
	if opts.Contamination <= 0 || opts.Contamination >= 0.5 {
		opts.Contamination = DefaultContamination
	}
	if opts.ZThreshold <= 0 {
		opts.ZThreshold = DefaultZThreshold
	}
	if opts.Seed == 0 {
		opts.Seed = DefaultSeed
	}
	return &StatisticalEnsemble{opts: opts}
}

// Name identifies the scorer in logs.
func (e *StatisticalEnsemble) Name() string {
	return "statistical_ensemble"
}

// Fit trains the forest and column statistics on rows.
func (e *StatisticalEnsemble) Fit(_ context.Context, rows [][]float64) error {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return errors.New("fit: no rows")
	}
	rng := rand.New(rand.NewPCG(e.opts.Seed, e.opts.Seed^0x9e3779b97f4a7c15))
	forest := fitForest(rows, e.opts.Trees, e.opts.SampleSize, e.opts.Contamination, rng)
	means, stds := columnStats(rows)

	e.mu.Lock()
	e.forest = forest
	e.means = means
	e.stds = stds
	e.mu.Unlock()
	return nil
}

// Score rates rows against the fitted model.
func (e *StatisticalEnsemble) Score(_ context.Context, rows [][]float64) ([]Score, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.forest == nil {
		return nil, ErrNotFitted
	}

	values := e.forest.scores(rows)
	out := make([]Score, len(rows))
	for i, row := range rows {
		forestVote := values[i] < e.forest.offset
		zVote := false
		for col, v := range row {
			if col < len(e.means) && math.Abs(zScore(v, e.means[col], e.stds[col])) >= e.opts.ZThreshold {
				zVote = true
				break
			}
		}
		out[i] = Score{Value: values[i], Outlier: forestVote && zVote}
	}
	return out, nil
}

// columnStats returns the population mean and standard deviation of each column.
func columnStats(rows [][]float64) (means, stds []float64) {
	width := len(rows[0])
	means = make([]float64, width)
	stds = make([]float64, width)
	column := make([]float64, len(rows))
	for c := 0; c < width; c++ {
		for r, row := range rows {
			column[r] = row[c]
		}
		means[c], stds[c] = stat.PopMeanStdDev(column, nil)
	}
	return means, stds
}

func zScore(v, mean, std float64) float64 {
	if std == 0 {
		std = 0.01
	}
	return (v - mean) / std
}
