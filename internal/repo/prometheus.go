package repo

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-remediation/internal/models"
)

// targetPlaceholder is replaced with the target name in series queries.
const targetPlaceholder = "$target"

// PrometheusSource runs one range query per series against the Prometheus HTTP API.
type PrometheusSource struct {
	api    promv1.API
	step   time.Duration
	clock  clock.Clock
	logger *slog.Logger
}

// PrometheusSourceOptions configures a PrometheusSource.
type PrometheusSourceOptions struct {
	Address string
	Step    time.Duration
	Timeout time.Duration
	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
	Clock  clock.Clock
	Logger *slog.Logger
}

// NewPrometheusSource constructs a source for the Prometheus server at Address.
func NewPrometheusSource(opts PrometheusSourceOptions) (*PrometheusSource, error) {
	if opts.Address == "" {
		return nil, fmt.Errorf("prometheus address is required")
	}
	if opts.Step <= 0 {
		opts.Step = time.Minute
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	client, err := api.NewClient(api.Config{Address: opts.Address, Client: opts.Client})
	if err != nil {
		return nil, fmt.Errorf("prometheus client: %w", err)
	}
	return &PrometheusSource{
		api:    promv1.NewAPI(client),
		step:   opts.Step,
		clock:  opts.Clock,
		logger: opts.Logger,
	}, nil
}

// Fetch runs every series query concurrently. Per-series failures are
// isolated in the result's Errors.
func (s *PrometheusSource) Fetch(ctx context.Context, target string, series []models.SeriesSpec, lookback time.Duration) (models.FetchResult, error) {
	end := s.clock.Now().UTC().Truncate(s.step)
	r := promv1.Range{Start: end.Add(-lookback), End: end, Step: s.step}
	result := models.FetchResult{
		Series: make(map[string][]models.MetricSample, len(series)),
		Errors: make(map[string]error),
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, spec := range series {
		g.Go(func() error {
			samples, err := s.querySeries(ctx, target, spec, r)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[spec.Name] = err
				return nil
			}
			result.Series[spec.Name] = samples
			return nil
		})
	}
	_ = g.Wait()
	return result, nil
}

func (s *PrometheusSource) querySeries(ctx context.Context, target string, spec models.SeriesSpec, r promv1.Range) ([]models.MetricSample, error) {
	if spec.Query == "" {
		return nil, fmt.Errorf("series %s: no query configured", spec.Name)
	}
	query := strings.ReplaceAll(spec.Query, targetPlaceholder, target)

	value, warnings, err := s.api.QueryRange(ctx, query, r)
	if err != nil {
		return nil, fmt.Errorf("prometheus query %s: %w", spec.Name, err)
	}
	for _, w := range warnings {
		s.logger.Debug("prometheus warning", slog.String("series", spec.Name), slog.String("warning", w))
	}

	matrix, ok := value.(model.Matrix)
	if !ok {
		return nil, fmt.Errorf("prometheus query %s: unexpected result type %s", spec.Name, value.Type())
	}
	if len(matrix) == 0 || len(matrix[0].Values) == 0 {
		return nil, fmt.Errorf("prometheus query %s returned no samples", spec.Name)
	}
	if len(matrix) > 1 {
		s.logger.Debug("query returned several streams, using the first",
			slog.String("series", spec.Name), slog.Int("streams", len(matrix)))
	}

	samples := make([]models.MetricSample, 0, len(matrix[0].Values))
	for _, pair := range matrix[0].Values {
		samples = append(samples, models.MetricSample{
			Series:    spec.Name,
			Timestamp: pair.Timestamp.Time().UTC(),
			Value:     float64(pair.Value),
		})
	}
	return samples, nil
}
