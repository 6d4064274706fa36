// Package stats provides a unified interface for collecting metrics.
package stats

// Metric names used throughout the module.
const (
	// Orchestrator metrics.
	MetricSubmissions     = "pitfall_submissions_total"
	MetricGamesSubmitted  = "pitfall_games_submitted_total"
	MetricFastPathJobs    = "pitfall_fast_path_jobs_total"
	MetricBatchesIssued   = "pitfall_batches_issued_total"
	MetricDispatchFailure = "pitfall_dispatch_failures_total"

	// Analysis metrics.
	MetricGamesAnalyzed   = "pitfall_games_analyzed_total"
	MetricGamesSkipped    = "pitfall_games_skipped_total"
	MetricEvaluations     = "pitfall_evaluations_total"
	MetricMistakesFound   = "pitfall_mistakes_found_total"
	MetricAnalyzeDuration = "pitfall_analyze_duration_seconds"

	// Batch metrics.
	MetricBatchesCompleted = "pitfall_batches_completed_total"
	MetricBatchesFailed    = "pitfall_batches_failed_total"
	MetricAggregations     = "pitfall_aggregations_total"

	// Cache metrics.
	MetricCacheHits   = "pitfall_cache_hits_total"
	MetricCacheMisses = "pitfall_cache_misses_total"
	MetricCacheErrors = "pitfall_cache_errors_total"
	MetricCacheSize   = "pitfall_cache_size"
)

var help = map[string]string{
	MetricSubmissions:      "Analysis requests accepted.",
	MetricGamesSubmitted:   "Games received in analysis requests.",
	MetricFastPathJobs:     "Jobs completed synchronously from the analysis cache.",
	MetricBatchesIssued:    "Batch commands issued to workers.",
	MetricDispatchFailure:  "Batch commands that could not be issued.",
	MetricGamesAnalyzed:    "Games analyzed by the engine.",
	MetricGamesSkipped:     "Games skipped as too short or unparseable.",
	MetricEvaluations:      "Engine position evaluations.",
	MetricMistakesFound:    "Opening mistakes detected.",
	MetricAnalyzeDuration:  "Time spent analyzing a single game.",
	MetricBatchesCompleted: "Batches finished by workers.",
	MetricBatchesFailed:    "Batches that ended in error.",
	MetricAggregations:     "Job aggregations written.",
	MetricCacheHits:        "Analysis cache hits.",
	MetricCacheMisses:      "Analysis cache misses.",
	MetricCacheErrors:      "Analysis cache faults swallowed.",
	MetricCacheSize:        "Entries in the in-process cache tier.",
}

// Help returns the description of a metric, or name itself when unknown.
func Help(name string) string {
	if h, ok := help[name]; ok {
		return h
	}
	return name
}

// Collector defines the interface for collecting metrics.
type Collector interface {
	// IncCounter increments a counter metric by delta.
	IncCounter(name string, delta int64)

	// SetGauge sets a gauge metric to value.
	SetGauge(name string, value int64)

	// ObserveHistogram records a value in a histogram metric.
	ObserveHistogram(name string, value float64)
}
