package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/miradorstack/mirador-remediation/internal/metrics"
	"github.com/miradorstack/mirador-remediation/internal/models"
	"github.com/miradorstack/mirador-remediation/internal/utils"
)

const latencyReportEvery = 20

// Scheduler runs evaluation cycles for every target on a fixed interval.
type Scheduler struct {
	engine        *Engine
	targets       []Target
	interval      time.Duration
	maxConcurrent int
	latency       *utils.LatencyTracker
	logger        *slog.Logger
}

// NewScheduler constructs a Scheduler.
func NewScheduler(engine *Engine, targets []Target, interval time.Duration, maxConcurrent int, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		engine:        engine,
		targets:       targets,
		interval:      interval,
		maxConcurrent: maxConcurrent,
		latency:       utils.NewLatencyTracker(256),
		logger:        logger,
	}
}

// Run evaluates all targets immediately and then once per interval until ctx
// is cancelled. Each target is dispatched on its own; a target whose previous
// cycle is still running skips the tick without holding up the others.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.engine.opts.Clock.Ticker(s.interval)
	defer ticker.Stop()

	sem := semaphore.NewWeighted(int64(s.maxConcurrent))
	inflight := make([]atomic.Bool, len(s.targets))
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		for i, target := range s.targets {
			if !inflight[i].CompareAndSwap(false, true) {
				metrics.ObserveCycle(0, metrics.OutcomeSkipped)
				s.logger.Debug("cycle still running, tick skipped", slog.String("target", target.Name))
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer inflight[i].Store(false)
				if err := sem.Acquire(ctx, 1); err != nil {
					return
				}
				defer sem.Release(1)
				report, err := s.engine.EvaluateCycle(ctx, target)
				s.observe(target.Name, report, err)
			}()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// EvaluateAll runs one cycle per target concurrently, waits for all of them
// and returns the reports and errors indexed like the targets.
func (s *Scheduler) EvaluateAll(ctx context.Context) ([]models.CycleReport, []error) {
	reports := make([]models.CycleReport, len(s.targets))
	errs := make([]error, len(s.targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrent)
	for i, target := range s.targets {
		g.Go(func() error {
			report, err := s.engine.EvaluateCycle(gctx, target)
			reports[i], errs[i] = report, err
			s.observe(target.Name, report, err)
			return nil
		})
	}
	_ = g.Wait()
	return reports, errs
}

func (s *Scheduler) observe(target string, report models.CycleReport, err error) {
	switch {
	case errors.Is(err, utils.ErrCycleInProgress):
		s.logger.Debug("cycle skipped", slog.String("target", target), slog.Any("error", err))
		return
	case err != nil:
		s.logger.Warn("cycle failed", slog.String("target", target), slog.Any("error", err))
	}

	s.latency.Observe(report.Duration)
	if total := s.latency.Total(); total%latencyReportEvery == 0 {
		s.logger.Info("cycle latency",
			slog.Uint64("cycles", total),
			slog.Duration("p50", s.latency.Percentile(50)),
			slog.Duration("p95", s.latency.Percentile(95)))
	}
}
