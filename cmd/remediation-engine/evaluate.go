package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-remediation/internal/config"
	"github.com/miradorstack/mirador-remediation/internal/engine"
	"github.com/miradorstack/mirador-remediation/internal/metrics"
	"github.com/miradorstack/mirador-remediation/internal/models"
	"github.com/miradorstack/mirador-remediation/internal/utils"
)

func newEvaluateCmd() *cobra.Command {
	var only []string
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Run one evaluation cycle per target and exit",
		Long: `Runs a single evaluation cycle for every configured target and prints a summary.

Exit codes:
  0  no action needed, or remediation succeeded
  1  risk detected and not handled (alert or failed remediation)
  2  evaluation could not run (configuration error or data unavailable)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return &exitError{code: exitUnavailable, err: err}
			}
			targets, err := selectTargets(cfg.Targets, only)
			if err != nil {
				return &exitError{code: exitUnavailable, err: err}
			}

			logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
			reg := prometheus.NewRegistry()
			if err := metrics.Register(reg); err != nil {
				return &exitError{code: exitUnavailable, err: err}
			}

			ctx := cmd.Context()
			if cfg.Tracing.Enabled {
				shutdown, err := setupTracing()
				if err != nil {
					return &exitError{code: exitUnavailable, err: err}
				}
				defer func() { _ = shutdown(ctx) }()
			}

			cfg.Targets = targets
			rt, err := buildRuntime(ctx, cfg, reg, logger)
			if err != nil {
				return &exitError{code: exitUnavailable, err: err}
			}
			defer rt.Close()

			scheduler := engine.NewScheduler(rt.engine, rt.targets, cfg.Engine.PollInterval, cfg.Engine.MaxConcurrentTargets, logger)
			reports, errs := scheduler.EvaluateAll(ctx)
			printSummary(cmd.OutOrStdout(), reports, errs)

			if code := exitCodeFor(reports, errs); code != exitOK {
				return &exitError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&only, "target", nil, "Evaluate only the named targets (repeatable)")
	return cmd
}

func selectTargets(all []config.TargetConfig, only []string) ([]config.TargetConfig, error) {
	if len(all) == 0 {
		return nil, errors.New("no targets configured")
	}
	if len(only) == 0 {
		return all, nil
	}
	byName := make(map[string]config.TargetConfig, len(all))
	for _, t := range all {
		byName[t.Name] = t
	}
	out := make([]config.TargetConfig, 0, len(only))
	for _, name := range only {
		t, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown target %q", name)
		}
		out = append(out, t)
	}
	return out, nil
}

// exitCodeFor folds cycle outcomes into the most severe exit code.
func exitCodeFor(reports []models.CycleReport, errs []error) int {
	code := exitOK
	for i, report := range reports {
		if i < len(errs) && errs[i] != nil {
			code = max(code, exitUnavailable)
			continue
		}
		switch {
		case report.Remediation != nil && report.Remediation.Status == models.RemediationFailed:
			code = max(code, exitUnhandled)
		case report.Decision.Action == models.DecisionAlert:
			code = max(code, exitUnhandled)
		}
	}
	return code
}

func printSummary(w io.Writer, reports []models.CycleReport, errs []error) {
	for i, report := range reports {
		fmt.Fprintf(w, "\nAnalysis summary for %s:\n", report.Target)
		if i < len(errs) && errs[i] != nil {
			fmt.Fprintf(w, "   Evaluation failed: %v\n", errs[i])
			continue
		}
		fmt.Fprintf(w, "   Anomalies detected: %d\n", len(report.Anomalies))
		if report.Risk.Degraded {
			fmt.Fprintf(w, "   Risk score: %.2f (degraded: %s)\n", report.Risk.Value, report.Risk.Reason)
		} else {
			fmt.Fprintf(w, "   Risk score: %.2f\n", report.Risk.Value)
		}
		fmt.Fprintf(w, "   Decision: %s (confidence: %.2f)\n", report.Decision.Action, report.Decision.Confidence)
		fmt.Fprintf(w, "   Reason: %s\n", report.Decision.Reason)
		if r := report.Remediation; r != nil {
			kinds := make([]string, 0, len(r.ActionsExecuted))
			for _, k := range r.ActionsExecuted {
				kinds = append(kinds, string(k))
			}
			fmt.Fprintf(w, "   Remediation %s: %s [%s]\n", r.RemediationID, r.Status, strings.Join(kinds, ", "))
			if r.Error != "" {
				fmt.Fprintf(w, "   Remediation error: %s\n", r.Error)
			}
		}
	}
}
