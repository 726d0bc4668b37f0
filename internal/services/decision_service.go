package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-remediation/internal/api"
	"github.com/miradorstack/mirador-remediation/internal/engine"
	"github.com/miradorstack/mirador-remediation/internal/utils"
)

// DecisionService implements the gRPC DecisionCore service on top of an Engine.
type DecisionService struct {
	logger    *slog.Logger
	engine    *engine.Engine
	targets   map[string]engine.Target
	latencies *utils.LatencyTracker
	clock     clock.Clock
}

var _ api.DecisionCoreServer = (*DecisionService)(nil)

// NewDecisionService constructs the service facade for the configured targets.
func NewDecisionService(logger *slog.Logger, eng *engine.Engine, targets []engine.Target) *DecisionService {
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]engine.Target, len(targets))
	for _, t := range targets {
		byName[t.Name] = t
	}
	clk := clock.New()
	if eng != nil {
		clk = eng.Clock()
	}
	return &DecisionService{
		logger:    logger,
		engine:    eng,
		targets:   byName,
		latencies: utils.NewLatencyTracker(1024),
		clock:     clk,
	}
}

// Evaluate runs one evaluation cycle for a configured target.
func (s *DecisionService) Evaluate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.engine == nil {
		return nil, status.Error(codes.FailedPrecondition, "engine not configured")
	}
	name, err := api.RequiredString(req, "target")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	target, ok := s.targets[name]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown target %q", name)
	}

	s.logger.Debug("Evaluate called", slog.String("target", name))

	start := s.clock.Now()
	report, err := s.engine.EvaluateCycle(ctx, target)
	if err != nil {
		if !errors.Is(err, utils.ErrCycleInProgress) {
			s.logger.Error("evaluation failed", slog.String("target", name), slog.Any("error", err))
		}
		return nil, api.StatusFromError(err)
	}
	s.latencies.Observe(s.clock.Since(start))
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("evaluate latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}

	return api.ToStructCycleReport(report), nil
}

// BreakerStatus returns one target's breaker, or every known breaker when no
// target is given.
func (s *DecisionService) BreakerStatus(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.engine == nil {
		return nil, status.Error(codes.FailedPrecondition, "engine not configured")
	}
	if target := api.OptionalString(req, "target"); target != "" {
		return api.ToStructBreakerState(s.engine.Breakers().Status(target)), nil
	}
	return api.ToStructBreakerStates(s.engine.Breakers().Snapshot()), nil
}

// Audit returns recent audit entries, most recent first.
func (s *DecisionService) Audit(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.engine == nil {
		return nil, status.Error(codes.FailedPrecondition, "engine not configured")
	}
	q, err := api.FromStructAuditQuery(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return api.ToStructAuditEntries(s.engine.Audit().Recent(q)), nil
}

// ReportProbe feeds an external health signal into the target's breaker.
func (s *DecisionService) ReportProbe(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.engine == nil {
		return nil, status.Error(codes.FailedPrecondition, "engine not configured")
	}
	report, err := api.FromStructProbeReport(req, s.clock.Now().UTC())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return api.ToStructBreakerState(s.engine.ReportProbe(report)), nil
}

// TripBreaker forces a target's breaker open.
func (s *DecisionService) TripBreaker(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.engine == nil {
		return nil, status.Error(codes.FailedPrecondition, "engine not configured")
	}
	target, err := api.RequiredString(req, "target")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	reason := api.OptionalString(req, "reason")
	if reason == "" {
		reason = "manually tripped"
	}
	s.logger.Warn("breaker tripped manually", slog.String("target", target), slog.String("reason", reason))
	return api.ToStructBreakerState(s.engine.Breakers().Trip(target, reason)), nil
}

// ResetBreaker forces a target's breaker closed.
func (s *DecisionService) ResetBreaker(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.engine == nil {
		return nil, status.Error(codes.FailedPrecondition, "engine not configured")
	}
	target, err := api.RequiredString(req, "target")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	s.logger.Info("breaker reset manually", slog.String("target", target))
	return api.ToStructBreakerState(s.engine.Breakers().Reset(target)), nil
}

// LatencyP95 returns the current p95 Evaluate latency.
func (s *DecisionService) LatencyP95() time.Duration {
	if s.latencies == nil {
		return 0
	}
	return s.latencies.Percentile(95)
}
