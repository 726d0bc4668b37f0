// Package window keeps the bounded per-series sample windows used for scoring.
package window

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/miradorstack/mirador-remediation/internal/models"
)

// DefaultCapacity is used when the configured capacity is not positive.
const DefaultCapacity = 288

// Options configures a Store.
type Options struct {
	// Capacity bounds each series window; the oldest sample is evicted on overflow.
	Capacity int
	// MaxAge additionally drops samples older than now-MaxAge. Zero disables age eviction.
	MaxAge time.Duration
	Clock  clock.Clock
}

// Store holds the most recent samples per series.
type Store struct {
	capacity int
	maxAge   time.Duration
	clock    clock.Clock

	mu     sync.RWMutex
	series map[string]*ring
}

// NewStore constructs an empty Store.
func NewStore(opts Options) *Store {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Store{
		capacity: opts.Capacity,
		maxAge:   opts.MaxAge,
		clock:    opts.Clock,
		series:   make(map[string]*ring),
	}
}

// Record appends a sample to the series window, evicting the oldest when full.
func (s *Store) Record(series string, ts time.Time, value float64) {
	r := s.ring(series, true)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.push(models.MetricSample{Series: series, Timestamp: ts, Value: value})
	s.expire(r)
}

// Window returns the series samples oldest first. Unknown series yield an empty slice.
func (s *Store) Window(series string) []models.MetricSample {
	r := s.ring(series, false)
	if r == nil {
		return []models.MetricSample{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s.expire(r)
	return r.snapshot()
}

// Latest returns the most recently recorded sample of the series.
func (s *Store) Latest(series string) (models.MetricSample, bool) {
	r := s.ring(series, false)
	if r == nil {
		return models.MetricSample{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == 0 {
		return models.MetricSample{}, false
	}
	return r.at(r.size - 1), true
}

// Len returns the number of samples currently held for the series.
func (s *Store) Len(series string) int {
	r := s.ring(series, false)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Series lists the known series names in sorted order.
func (s *Store) Series() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.series))
	for name := range s.series {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Capacity returns the per-series bound.
func (s *Store) Capacity() int {
	return s.capacity
}

func (s *Store) ring(series string, create bool) *ring {
	s.mu.RLock()
	r, ok := s.series[series]
	s.mu.RUnlock()
	if ok || !create {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok = s.series[series]; ok {
		return r
	}
	r = &ring{buf: make([]models.MetricSample, s.capacity)}
	s.series[series] = r
	return r
}

// expire drops samples older than the age bound. Callers hold r.mu.
func (s *Store) expire(r *ring) {
	if s.maxAge <= 0 {
		return
	}
	cutoff := s.clock.Now().Add(-s.maxAge)
	for r.size > 0 && r.at(0).Timestamp.Before(cutoff) {
		r.head = (r.head + 1) % len(r.buf)
		r.size--
	}
}

type ring struct {
	mu   sync.Mutex
	buf  []models.MetricSample
	head int
	size int
}

func (r *ring) push(sample models.MetricSample) {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = sample
		r.size++
		return
	}
	r.buf[r.head] = sample
	r.head = (r.head + 1) % len(r.buf)
}

func (r *ring) at(i int) models.MetricSample {
	return r.buf[(r.head+i)%len(r.buf)]
}

func (r *ring) snapshot() []models.MetricSample {
	out := make([]models.MetricSample, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.at(i)
	}
	return out
}
