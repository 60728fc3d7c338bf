package models

import "time"

// TimeBucket is one calendar-interval bucket of the usage date histogram,
// keyed by completed_at.
type TimeBucket struct {
	Timestamp        time.Time `json:"timestamp"`
	Completed        int       `json:"completed"`
	Failed           int       `json:"failed"`
	Cached           int       `json:"cached"`
	TotalTokens      int       `json:"total_tokens"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	AvgDurationMs    float64   `json:"avg_duration_ms"`
	// TokensPerSecond is sum(completion_tokens) / (sum(duration_ms)/1000)
	// over the bucket's non-cached members.
	TokensPerSecond float64 `json:"tokens_per_second"`
}

// UsageSummary aggregates the whole requested range.
type UsageSummary struct {
	Completed        int     `json:"completed"`
	Failed           int     `json:"failed"`
	Cached           int     `json:"cached"`
	TotalTokens      int     `json:"total_tokens"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	AvgDurationMs    float64 `json:"avg_duration_ms"`
	TokensPerSecond  float64 `json:"tokens_per_second"`
	CacheHitRate     float64 `json:"cache_hit_rate"`
}

// UsageStats is the time-series response of GET /batches/{id}/stats.
type UsageStats struct {
	BatchID   string        `json:"batch_id"`
	TimeRange string        `json:"time_range"`
	Interval  string        `json:"interval"`
	Buckets   []*TimeBucket `json:"buckets"`
	Summary   *UsageSummary `json:"summary"`
}
