package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/miradorstack/mirador-remediation/internal/models"
	"github.com/miradorstack/mirador-remediation/internal/utils"
)

// Detector defaults.
const (
	DefaultMinSamples      = 10
	DefaultMaxRows         = 288
	DefaultRetrainInterval = time.Hour
)

// Options configures a Detector.
type Options struct {
	MinSamples      int
	MaxRows         int
	RetrainInterval time.Duration
	Clock           clock.Clock
	Logger          *slog.Logger
}

// Detector aligns per-series windows into a feature matrix, keeps its scorer
// fitted and turns flagged rows into anomaly records.
type Detector struct {
	scorer AnomalyScorer
	opts   Options

	mu       sync.Mutex
	fitted   bool
	columns  []string
	fittedAt time.Time
}

// NewDetector wraps scorer with defaults applied.
func NewDetector(scorer AnomalyScorer, opts Options) *Detector {
	if opts.MinSamples <= 0 {
		opts.MinSamples = DefaultMinSamples
	}
	if opts.MaxRows <= 0 {
		opts.MaxRows = DefaultMaxRows
	}
	if opts.RetrainInterval <= 0 {
		opts.RetrainInterval = DefaultRetrainInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Detector{scorer: scorer, opts: opts}
}

// Detect scores the aligned windows and returns one record per flagged row,
// ordered by timestamp. It returns ErrInsufficientSamples when no series (or
// too few aligned rows) can be scored.
func (d *Detector) Detect(ctx context.Context, windows map[string][]models.MetricSample) ([]models.AnomalyRecord, error) {
	columns := make([]string, 0, len(windows))
	for name, samples := range windows {
		if len(samples) < d.opts.MinSamples {
			d.opts.Logger.Debug("series below minimum sample count",
				slog.String("series", name),
				slog.Int("samples", len(samples)))
			continue
		}
		columns = append(columns, name)
	}
	if len(columns) == 0 {
		return nil, utils.NewAppError("detect", utils.ErrInsufficientSamples, "no series has enough samples", nil)
	}
	sort.Strings(columns)

	timestamps, rows := Align(windows, columns)
	if len(rows) > d.opts.MaxRows {
		timestamps = timestamps[len(timestamps)-d.opts.MaxRows:]
		rows = rows[len(rows)-d.opts.MaxRows:]
	}
	if len(rows) < d.opts.MinSamples {
		return nil, utils.NewAppError("detect", utils.ErrInsufficientSamples,
			fmt.Sprintf("%d aligned rows across %d series", len(rows), len(columns)), nil)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.needsFit(columns) {
		if err := d.scorer.Fit(ctx, rows); err != nil {
			return nil, fmt.Errorf("fit %s: %w", d.scorer.Name(), err)
		}
		d.fitted = true
		d.columns = columns
		d.fittedAt = d.opts.Clock.Now()
		d.opts.Logger.Debug("anomaly scorer fitted",
			slog.String("scorer", d.scorer.Name()),
			slog.Int("rows", len(rows)),
			slog.Int("columns", len(columns)))
	}

	scores, err := d.scorer.Score(ctx, rows)
	if err != nil {
		return nil, fmt.Errorf("score %s: %w", d.scorer.Name(), err)
	}

	means, stds := columnStats(rows)
	records := make([]models.AnomalyRecord, 0)
	for i, score := range scores {
		if !score.Outlier {
			continue
		}
		col := dominantColumn(rows[i], means, stds)
		records = append(records, models.AnomalyRecord{
			Series:    columns[col],
			Timestamp: timestamps[i],
			Value:     rows[i][col],
			Score:     score.Value,
			Severity:  models.SeverityForScore(score.Value),
		})
	}
	return records, nil
}

// Columns returns the series the scorer was last fitted on.
func (d *Detector) Columns() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.columns...)
}

func (d *Detector) needsFit(columns []string) bool {
	if !d.fitted || len(columns) != len(d.columns) {
		return true
	}
	for i := range columns {
		if columns[i] != d.columns[i] {
			return true
		}
	}
	return d.opts.Clock.Since(d.fittedAt) >= d.opts.RetrainInterval
}

// dominantColumn picks the column with the largest absolute z-score.
func dominantColumn(row, means, stds []float64) int {
	best, bestAbs := 0, -1.0
	for c, v := range row {
		if z := math.Abs(zScore(v, means[c], stds[c])); z > bestAbs {
			best, bestAbs = c, z
		}
	}
	return best
}
