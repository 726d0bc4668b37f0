package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-remediation/internal/cache"
	"github.com/miradorstack/mirador-remediation/internal/models"
)

// CoreSource fetches metric series from the mirador-core JSON API.
type CoreSource struct {
	jsonClient
	metricsPath string
	step        time.Duration
	cache       cache.Provider
	cacheTTL    time.Duration
	clock       clock.Clock
	logger      *slog.Logger
}

// CoreSourceOptions configures a CoreSource.
type CoreSourceOptions struct {
	BaseURL     string
	MetricsPath string
	Step        time.Duration
	Timeout     time.Duration
	Cache       cache.Provider
	CacheTTL    time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger
}

// NewCoreSource constructs a client targeting the configured mirador-core instance.
func NewCoreSource(opts CoreSourceOptions) *CoreSource {
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/api/v1/rca/metrics"
	}
	if opts.Step <= 0 {
		opts.Step = time.Minute
	}
	if opts.Cache == nil {
		opts.Cache = cache.NoopProvider{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &CoreSource{
		jsonClient: jsonClient{
			name:       "mirador-core",
			baseURL:    strings.TrimRight(opts.BaseURL, "/"),
			httpClient: &http.Client{Timeout: opts.Timeout},
		},
		metricsPath: opts.MetricsPath,
		step:        opts.Step,
		cache:       opts.Cache,
		cacheTTL:    opts.CacheTTL,
		clock:       opts.Clock,
		logger:      opts.Logger,
	}
}

type coreSample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Fetch queries every series concurrently. A failing series is reported in
// the result's Errors without affecting the others.
func (c *CoreSource) Fetch(ctx context.Context, target string, series []models.SeriesSpec, lookback time.Duration) (models.FetchResult, error) {
	if c == nil {
		return models.FetchResult{}, fmt.Errorf("mirador-core client not initialised")
	}
	if c.baseURL == "" {
		return models.FetchResult{}, fmt.Errorf("mirador-core base URL not configured")
	}

	end := c.clock.Now().UTC().Truncate(c.step)
	start := end.Add(-lookback)
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
			samples, err := c.fetchSeries(ctx, target, spec, start, end)
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

func (c *CoreSource) fetchSeries(ctx context.Context, target string, spec models.SeriesSpec, start, end time.Time) ([]models.MetricSample, error) {
	cacheKey := fmt.Sprintf("core:metrics:%s:%s:%d", target, spec.Name, end.Unix())
	if cached, err := c.cache.Get(ctx, cacheKey); err == nil {
		var samples []coreSample
		if err := json.Unmarshal(cached, &samples); err == nil {
			return toMetricSamples(spec.Name, samples), nil
		}
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		c.logger.Debug("metrics cache read failed", slog.String("key", cacheKey), slog.Any("error", err))
	}

	payload := map[string]interface{}{
		"target": target,
		"series": spec.Name,
		"query":  spec.Query,
		"start":  start.Format(time.RFC3339),
		"end":    end.Format(time.RFC3339),
		"step":   c.step.String(),
	}

	var response struct {
		Series []coreSample `json:"series"`
	}
	if err := c.postJSON(ctx, c.resolvePath(c.metricsPath), payload, &response); err != nil {
		return nil, fmt.Errorf("mirador-core metrics request failed: %w", err)
	}
	if len(response.Series) == 0 {
		return nil, fmt.Errorf("mirador-core metrics returned no samples")
	}

	if c.cacheTTL > 0 {
		if data, err := json.Marshal(response.Series); err == nil {
			if err := c.cache.Set(ctx, cacheKey, data, c.cacheTTL); err != nil {
				c.logger.Debug("metrics cache write failed", slog.String("key", cacheKey), slog.Any("error", err))
			}
		}
	}
	return toMetricSamples(spec.Name, response.Series), nil
}

func toMetricSamples(name string, in []coreSample) []models.MetricSample {
	out := make([]models.MetricSample, 0, len(in))
	for _, s := range in {
		out = append(out, models.MetricSample{Series: name, Timestamp: s.Timestamp, Value: s.Value})
	}
	return out
}
