package window

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreUnknownSeriesIsEmpty(t *testing.T) {
	store := NewStore(Options{Capacity: 4})
	w := store.Window("missing")
	require.NotNil(t, w)
	assert.Empty(t, w)
	_, ok := store.Latest("missing")
	assert.False(t, ok)
}

func TestStoreEvictsOldestAtCapacity(t *testing.T) {
	const capacity = 5
	store := NewStore(Options{Capacity: capacity})
	start := time.Unix(1_700_000_000, 0)

	for i := 0; i <= capacity; i++ {
		store.Record("cpu", start.Add(time.Duration(i)*time.Minute), float64(i))
	}

	w := store.Window("cpu")
	require.Len(t, w, capacity)
	for i, sample := range w {
		assert.Equal(t, float64(i+1), sample.Value, "sample %d out of order", i)
		assert.Equal(t, start.Add(time.Duration(i+1)*time.Minute), sample.Timestamp)
		assert.Equal(t, "cpu", sample.Series)
	}

	latest, ok := store.Latest("cpu")
	require.True(t, ok)
	assert.Equal(t, float64(capacity), latest.Value)
}

func TestStoreSeriesAreIndependent(t *testing.T) {
	store := NewStore(Options{Capacity: 2})
	now := time.Unix(1_700_000_000, 0)
	store.Record("a", now, 1)
	store.Record("a", now.Add(time.Second), 2)
	store.Record("a", now.Add(2*time.Second), 3)
	store.Record("b", now, 10)

	assert.Equal(t, 2, store.Len("a"))
	assert.Equal(t, 1, store.Len("b"))
	assert.Equal(t, 10.0, store.Window("b")[0].Value)
}

func TestStoreWindowIsACopy(t *testing.T) {
	store := NewStore(Options{Capacity: 3})
	now := time.Unix(1_700_000_000, 0)
	store.Record("mem", now, 1)

	w := store.Window("mem")
	w[0].Value = 42
	assert.Equal(t, 1.0, store.Window("mem")[0].Value)
}

func TestStoreAgeEviction(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))
	store := NewStore(Options{Capacity: 10, MaxAge: time.Hour, Clock: mock})

	store.Record("rps", mock.Now().Add(-2*time.Hour), 1)
	store.Record("rps", mock.Now().Add(-30*time.Minute), 2)
	require.Len(t, store.Window("rps"), 1)

	mock.Add(45 * time.Minute)
	assert.Empty(t, store.Window("rps"))
}

func TestStoreConcurrentRecord(t *testing.T) {
	store := NewStore(Options{Capacity: 50})
	now := time.Unix(1_700_000_000, 0)

	var wg sync.WaitGroup
	for s := 0; s < 8; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			name := fmt.Sprintf("series-%d", s)
			for i := 0; i < 100; i++ {
				store.Record(name, now.Add(time.Duration(i)*time.Second), float64(i))
				_ = store.Window(name)
			}
		}(s)
	}
	wg.Wait()

	for s := 0; s < 8; s++ {
		w := store.Window(fmt.Sprintf("series-%d", s))
		require.Len(t, w, 50)
		assert.Equal(t, 50.0, w[0].Value)
		assert.Equal(t, 99.0, w[49].Value)
	}
}

func TestStoreSeriesSorted(t *testing.T) {
	store := NewStore(Options{})
	now := time.Unix(1_700_000_000, 0)
	store.Record("svc/b", now, 1)
	store.Record("svc/a", now, 1)
	assert.Equal(t, []string{"svc/a", "svc/b"}, store.Series())
	assert.Equal(t, DefaultCapacity, store.Capacity())
}
