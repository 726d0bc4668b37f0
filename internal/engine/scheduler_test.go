package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-remediation/internal/models"
)

func TestSchedulerEvaluateAll(t *testing.T) {
	h := newHarness(t, risingSource(20), nil)
	targets := []Target{
		{Name: "a", Series: testTarget.Series},
		{Name: "b", Series: testTarget.Series},
		{Name: "c", Series: testTarget.Series},
	}
	s := NewScheduler(h.engine, targets, 0, 2, nil)

	reports, errs := s.EvaluateAll(context.Background())
	require.Len(t, reports, 3)
	for i, report := range reports {
		require.NoError(t, errs[i])
		assert.Equal(t, targets[i].Name, report.Target)
		assert.Equal(t, models.DecisionRollback, report.Decision.Action)
	}
	assert.Equal(t, 6, h.audit.Len())
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	src := risingSource(20)
	h := newHarness(t, src, nil)
	s := NewScheduler(h.engine, []Target{testTarget}, 0, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Run(ctx))
	assert.Zero(t, src.calls, "no cycle starts after cancellation")
}

// stallingSource blocks fetches for one target until released and serves
// the rest from an embedded source.
type stallingSource struct {
	*fakeSource
	stalled string
	release chan struct{}
	entered chan struct{}

	mu    sync.Mutex
	calls map[string]int
}

func (s *stallingSource) Fetch(ctx context.Context, target string, series []models.SeriesSpec, lookback time.Duration) (models.FetchResult, error) {
	s.mu.Lock()
	s.calls[target]++
	first := s.calls[target] == 1
	s.mu.Unlock()

	if target == s.stalled {
		if first {
			close(s.entered)
		}
		select {
		case <-s.release:
		case <-ctx.Done():
			return models.FetchResult{}, ctx.Err()
		}
	}
	return s.fakeSource.Fetch(ctx, target, series, lookback)
}

func (s *stallingSource) count(target string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[target]
}

func TestSchedulerRunDoesNotWaitOnSlowTarget(t *testing.T) {
	src := &stallingSource{
		fakeSource: risingSource(20),
		stalled:    "slow",
		release:    make(chan struct{}),
		entered:    make(chan struct{}),
		calls:      map[string]int{},
	}
	h := newHarness(t, src, func(o *Options) { o.FetchTimeout = time.Minute })
	targets := []Target{
		{Name: "slow", Series: testTarget.Series},
		{Name: "fast", Series: testTarget.Series},
	}
	s := NewScheduler(h.engine, targets, time.Minute, 2, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	<-src.entered
	require.Eventually(t, func() bool { return src.count("fast") == 1 }, 2*time.Second, 5*time.Millisecond)

	for want := 2; want <= 3; want++ {
		require.Eventually(t, func() bool {
			if src.count("fast") >= want {
				return true
			}
			h.clock.Add(time.Minute)
			return false
		}, 2*time.Second, 5*time.Millisecond, "fast target keeps its cadence while slow target is stalled")
	}
	assert.Equal(t, 1, src.count("slow"), "stalled target skips its own ticks")

	close(src.release)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
