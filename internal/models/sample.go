package models

import "time"

// MetricSample is a single recorded observation of a metric series.
type MetricSample struct {
	Series    string
	Timestamp time.Time
	Value     float64
}

// SeriesSpec names a series monitored for a target and, for query-based
// sources, the expression used to fetch it.
type SeriesSpec struct {
	Name  string
	Query string
}

// FetchResult carries the series a source returned for one target. Series
// that failed are reported in Errors and absent from Series.
type FetchResult struct {
	Series map[string][]MetricSample
	Errors map[string]error
}
