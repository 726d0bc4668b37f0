package anomaly

import (
	"sort"
	"time"

	"github.com/miradorstack/mirador-remediation/internal/models"
)

// Align intersects the timestamps of the named series and returns the shared
// timestamps (ascending) with one row of values per timestamp, columns in the
// order of names. A repeated timestamp within a series keeps its last value.
func Align(windows map[string][]models.MetricSample, names []string) ([]time.Time, [][]float64) {
	if len(names) == 0 {
		return nil, nil
	}

	indexed := make([]map[int64]float64, len(names))
	for i, name := range names {
		m := make(map[int64]float64, len(windows[name]))
		for _, s := range windows[name] {
			m[s.Timestamp.UnixNano()] = s.Value
		}
		indexed[i] = m
	}

	shared := make([]int64, 0, len(indexed[0]))
	for ts := range indexed[0] {
		present := true
		for _, m := range indexed[1:] {
			if _, ok := m[ts]; !ok {
				present = false
				break
			}
		}
		if present {
			shared = append(shared, ts)
		}
	}
	sort.Slice(shared, func(i, j int) bool { return shared[i] < shared[j] })

	timestamps := make([]time.Time, len(shared))
	rows := make([][]float64, len(shared))
	for r, ts := range shared {
		timestamps[r] = time.Unix(0, ts).UTC()
		row := make([]float64, len(names))
		for c, m := range indexed {
			row[c] = m[ts]
		}
		rows[r] = row
	}
	return timestamps, rows
}
