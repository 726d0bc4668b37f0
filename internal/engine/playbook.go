package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-remediation/internal/models"
)

// Playbook maps metric conditions to ordered remediation actions.
type Playbook struct {
	path   string
	logger *slog.Logger

	mu    sync.RWMutex
	rules []Rule
}

// Rule represents a single playbook entry.
type Rule struct {
	ID      string              `yaml:"id"`
	Match   RuleMatch           `yaml:"match"`
	Actions []models.ActionKind `yaml:"actions"`
}

// RuleMatch selects the series value that triggers a rule. A rule without
// bounds never matches.
type RuleMatch struct {
	Target string   `yaml:"target"`
	Series string   `yaml:"series"`
	Above  *float64 `yaml:"above"`
	Below  *float64 `yaml:"below"`
}

// PlaybookFile is the YAML root structure.
type PlaybookFile struct {
	Rules []Rule `yaml:"rules"`
}

func bound(v float64) *float64 { return &v }

// DefaultRules reproduces the built-in self-healing strategies.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "high-cpu", Match: RuleMatch{Series: "cpu_utilization", Above: bound(95)}, Actions: []models.ActionKind{models.ActionScaleUp}},
		{ID: "high-memory", Match: RuleMatch{Series: "memory_utilization", Above: bound(95)}, Actions: []models.ActionKind{models.ActionScaleUp}},
		{ID: "high-error-rate", Match: RuleMatch{Series: "error_rate", Above: bound(0.05)}, Actions: []models.ActionKind{models.ActionRestartService, models.ActionRollbackVersion}},
		{ID: "slow-responses", Match: RuleMatch{Series: "response_time_ms", Above: bound(1000)}, Actions: []models.ActionKind{models.ActionScaleUp}},
		{ID: "connection-errors", Match: RuleMatch{Series: "connection_errors", Above: bound(0)}, Actions: []models.ActionKind{models.ActionResetConnection, models.ActionClearCache}},
	}
}

// NewPlaybook loads rules from path. An empty path or a missing file yields
// the default rules.
func NewPlaybook(path string, logger *slog.Logger) (*Playbook, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pb := &Playbook{path: path, logger: logger, rules: DefaultRules()}
	if path == "" {
		return pb, nil
	}
	rules, err := loadRules(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("playbook file not found, using defaults", slog.String("path", path))
			return pb, nil
		}
		return nil, err
	}
	pb.rules = rules
	return pb, nil
}

func loadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file PlaybookFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse playbook %s: %w", path, err)
	}
	for _, rule := range file.Rules {
		if rule.Match.Series == "" {
			return nil, fmt.Errorf("playbook rule %q: match.series is required", rule.ID)
		}
		for _, kind := range rule.Actions {
			if !kind.Valid() {
				return nil, fmt.Errorf("playbook rule %q: unknown action %q", rule.ID, kind)
			}
		}
	}
	return file.Rules, nil
}

// Rules returns a copy of the active rules.
func (p *Playbook) Rules() []Rule {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Rule(nil), p.rules...)
}

// Plan evaluates every rule against the latest value of each series and
// returns the matched actions in rule order without duplicates.
func (p *Playbook) Plan(target string, latest map[string]float64) []models.Action {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	plan := make([]models.Action, 0)
	seen := make(map[models.ActionKind]struct{})
	for _, rule := range p.rules {
		if rule.Match.Target != "" && !strings.EqualFold(rule.Match.Target, target) {
			continue
		}
		value, ok := latest[rule.Match.Series]
		if !ok || !rule.Match.matches(value) {
			continue
		}
		for _, kind := range rule.Actions {
			if _, dup := seen[kind]; dup {
				continue
			}
			seen[kind] = struct{}{}
			plan = append(plan, models.Action{Kind: kind, Params: map[string]string{"rule": rule.ID}})
		}
	}
	return plan
}

func (m RuleMatch) matches(value float64) bool {
	if m.Above == nil && m.Below == nil {
		return false
	}
	if m.Above != nil && !(value > *m.Above) {
		return false
	}
	if m.Below != nil && !(value < *m.Below) {
		return false
	}
	return true
}

// Reload re-reads the playbook file. On error the previous rules stay active.
func (p *Playbook) Reload() error {
	if p.path == "" {
		return nil
	}
	rules, err := loadRules(p.path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.rules = rules
	p.mu.Unlock()
	p.logger.Info("playbook reloaded", slog.String("path", p.path), slog.Int("rules", len(rules)))
	return nil
}

// Watch reloads the playbook whenever its file changes until ctx is done.
func (p *Playbook) Watch(ctx context.Context) error {
	if p.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("playbook watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files on save, so watch the directory.
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		return fmt.Errorf("watch %s: %w", p.path, err)
	}
	name := filepath.Clean(p.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if err := p.Reload(); err != nil {
				p.logger.Warn("playbook reload failed", slog.Any("error", err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("playbook watcher error", slog.Any("error", err))
		}
	}
}
