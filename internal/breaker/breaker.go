// Package breaker implements the per-target circuit breaker that stops an
// unstable target from receiving repeated remediations.
package breaker

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/miradorstack/mirador-remediation/internal/metrics"
	"github.com/miradorstack/mirador-remediation/internal/models"
)

const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultTimeout          = 60 * time.Second
)

// Options configures a Registry.
type Options struct {
	FailureThreshold int
	SuccessThreshold int
	// Timeout is the minimum time a breaker stays open before it may close.
	Timeout time.Duration
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Registry tracks one breaker per target.
type Registry struct {
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	clock            clock.Clock
	logger           *slog.Logger

	mu       sync.RWMutex
	breakers map[string]*breaker
}

type breaker struct {
	mu    sync.Mutex
	state models.BreakerState
}

// NewRegistry constructs a Registry with defaults applied.
func NewRegistry(opts Options) *Registry {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.SuccessThreshold <= 0 {
		opts.SuccessThreshold = DefaultSuccessThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		failureThreshold: opts.FailureThreshold,
		successThreshold: opts.SuccessThreshold,
		timeout:          opts.Timeout,
		clock:            opts.Clock,
		logger:           opts.Logger,
		breakers:         make(map[string]*breaker),
	}
}

// Status returns a copy of the target's breaker, creating a closed one on
// first reference.
func (r *Registry) Status(target string) models.BreakerState {
	b := r.get(target)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether remediation may run against the target.
func (r *Registry) Allow(target string) bool {
	return r.Status(target).Status == models.BreakerClosed
}

// RecordSuccess registers a successful remediation or probe.
func (r *Registry) RecordSuccess(target string) {
	b := r.get(target)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state.Status {
	case models.BreakerClosed:
		b.state.FailureCount = 0
	case models.BreakerOpen:
		b.state.SuccessCount++
		now := r.clock.Now()
		if b.state.SuccessCount >= r.successThreshold && now.Sub(b.state.OpenedAt) >= r.timeout {
			r.close(b, now, "recovered")
		}
	}
}

// RecordFailure registers a failed remediation or probe and reports whether
// this failure opened the breaker.
func (r *Registry) RecordFailure(target, reason string) bool {
	b := r.get(target)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state.FailureCount++
	switch b.state.Status {
	case models.BreakerClosed:
		if b.state.FailureCount >= r.failureThreshold {
			r.open(b, r.clock.Now(), reason)
			return true
		}
	case models.BreakerOpen:
		b.state.SuccessCount = 0
	}
	return false
}

// Trip opens the target's breaker regardless of its counters.
func (r *Registry) Trip(target, reason string) models.BreakerState {
	b := r.get(target)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Status != models.BreakerOpen {
		r.open(b, r.clock.Now(), reason)
	}
	return b.state
}

// Reset closes the target's breaker and clears its counters.
func (r *Registry) Reset(target string) models.BreakerState {
	b := r.get(target)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Status == models.BreakerOpen {
		r.close(b, r.clock.Now(), "manual reset")
	}
	b.state.FailureCount = 0
	b.state.SuccessCount = 0
	return b.state
}

// Snapshot returns the state of every known breaker sorted by target.
func (r *Registry) Snapshot() []models.BreakerState {
	r.mu.RLock()
	breakers := make([]*breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	states := make([]models.BreakerState, 0, len(breakers))
	for _, b := range breakers {
		b.mu.Lock()
		states = append(states, b.state)
		b.mu.Unlock()
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Target < states[j].Target })
	return states
}

func (r *Registry) open(b *breaker, now time.Time, reason string) {
	b.state.Status = models.BreakerOpen
	b.state.OpenedAt = now
	b.state.SuccessCount = 0
	b.state.Reason = reason
	b.state.LastTransition = now
	metrics.ObserveBreakerTransition(string(models.BreakerOpen))
	r.logger.Warn("circuit breaker opened",
		slog.String("target", b.state.Target),
		slog.String("reason", reason),
		slog.Int("failures", b.state.FailureCount))
}

func (r *Registry) close(b *breaker, now time.Time, reason string) {
	b.state.Status = models.BreakerClosed
	b.state.FailureCount = 0
	b.state.SuccessCount = 0
	b.state.OpenedAt = time.Time{}
	b.state.Reason = reason
	b.state.LastTransition = now
	metrics.ObserveBreakerTransition(string(models.BreakerClosed))
	r.logger.Info("circuit breaker closed",
		slog.String("target", b.state.Target),
		slog.String("reason", reason))
}

func (r *Registry) get(target string) *breaker {
	r.mu.RLock()
	b, ok := r.breakers[target]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[target]; ok {
		return b
	}
	b = &breaker{state: models.BreakerState{
		Target:         target,
		Status:         models.BreakerClosed,
		LastTransition: r.clock.Now(),
	}}
	r.breakers[target] = b
	return b
}
