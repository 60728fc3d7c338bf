package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/llmbatch/llmbatch/pkg/models"
)

// usageAggs are the per-bucket and summary-level aggregations of the usage
// time series. Token and duration sums are restricted to non-cached members:
// cached completions cost nothing and would drag throughput numbers down.
type usageAggs struct {
	Completed filterCount `json:"completed"`
	Failed    filterCount `json:"failed"`
	Cached    filterCount `json:"cached"`
	Work      struct {
		DocCount         int     `json:"doc_count"`
		TotalTokens      sumAgg  `json:"total_tokens"`
		PromptTokens     sumAgg  `json:"prompt_tokens"`
		CompletionTokens sumAgg  `json:"completion_tokens"`
		SumDuration      sumAgg  `json:"sum_duration"`
		AvgDuration      dateAgg `json:"avg_duration"`
	} `json:"work"`
}

type filterCount struct {
	DocCount int `json:"doc_count"`
}

func usageSubAggs() map[string]any {
	return map[string]any{
		"completed": map[string]any{
			"filter": map[string]any{"term": map[string]any{"status": models.StatusCompleted}},
		},
		"failed": map[string]any{
			"filter": map[string]any{"term": map[string]any{"status": models.StatusFailed}},
		},
		"cached": map[string]any{
			"filter": map[string]any{"term": map[string]any{"cached": true}},
		},
		"work": map[string]any{
			"filter": map[string]any{"term": map[string]any{"cached": false}},
			"aggs": map[string]any{
				"total_tokens":      map[string]any{"sum": map[string]any{"field": "total_tokens"}},
				"prompt_tokens":     map[string]any{"sum": map[string]any{"field": "prompt_tokens"}},
				"completion_tokens": map[string]any{"sum": map[string]any{"field": "completion_tokens"}},
				"sum_duration":      map[string]any{"sum": map[string]any{"field": "duration"}},
				"avg_duration":      map[string]any{"avg": map[string]any{"field": "duration"}},
			},
		},
	}
}

// tokensPerSecond is sum(completion_tokens) / (sum(duration_ms)/1000).
func tokensPerSecond(completionTokens, durationMs float64) float64 {
	if durationMs <= 0 {
		return 0
	}
	return completionTokens / (durationMs / 1000)
}

// batchExists reports whether any event carries the batch_id. The total is
// capped at one hit; existence is the only answer needed.
func (c *Client) batchExists(ctx context.Context, batchID string) (bool, error) {
	query := map[string]any{
		"size":             0,
		"track_total_hits": 1,
		"query":            map[string]any{"term": map[string]any{"batch_id": batchID}},
	}
	sr, err := c.search(ctx, query)
	if err != nil {
		return false, err
	}
	return sr.Hits.Total.Value > 0, nil
}

// UsageTimeSeries buckets a batch's completed events over the trailing
// timeRange into calendar intervals. The interval string must be a valid
// Elasticsearch calendar interval; validation happens at the API boundary.
// Returns ErrNotFound for an unknown batch: the completed_at window below
// filters the query itself, so its hit total cannot prove nonexistence.
func (c *Client) UsageTimeSeries(ctx context.Context, batchID string, timeRange time.Duration, interval string) (*models.UsageStats, error) {
	exists, err := c.batchExists(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("usage aggregation failed for batch %s: %w", batchID, err)
	}
	if !exists {
		return nil, fmt.Errorf("no events for batch %s: %w", batchID, ErrNotFound)
	}

	query := map[string]any{
		"size":             0,
		"track_total_hits": true,
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"term": map[string]any{"batch_id": batchID}},
					map[string]any{"range": map[string]any{
						"completed_at": map[string]any{
							"gte": time.Now().UTC().Add(-timeRange).Format(time.RFC3339),
						},
					}},
				},
			},
		},
		"aggs": mergeAggs(map[string]any{
			"timeline": map[string]any{
				"date_histogram": map[string]any{
					"field":             "completed_at",
					"calendar_interval": interval,
					"min_doc_count":     0,
				},
				"aggs": usageSubAggs(),
			},
		}, usageSubAggs()),
	}

	sr, err := c.search(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("usage aggregation failed for batch %s: %w", batchID, err)
	}

	var timeline struct {
		Buckets []struct {
			Key      float64 `json:"key"`
			DocCount int     `json:"doc_count"`
			usageAggs
		} `json:"buckets"`
	}
	if raw, ok := sr.Aggregations["timeline"]; ok {
		if err := json.Unmarshal(raw, &timeline); err != nil {
			return nil, fmt.Errorf("failed to decode usage timeline: %w", err)
		}
	}

	stats := &models.UsageStats{
		BatchID:  batchID,
		Interval: interval,
		Buckets:  make([]*models.TimeBucket, 0, len(timeline.Buckets)),
	}

	for _, b := range timeline.Buckets {
		bucket := &models.TimeBucket{
			Timestamp:        time.UnixMilli(int64(b.Key)).UTC(),
			Completed:        b.Completed.DocCount,
			Failed:           b.Failed.DocCount,
			Cached:           b.Cached.DocCount,
			TotalTokens:      int(b.Work.TotalTokens.Value),
			PromptTokens:     int(b.Work.PromptTokens.Value),
			CompletionTokens: int(b.Work.CompletionTokens.Value),
			TokensPerSecond:  tokensPerSecond(b.Work.CompletionTokens.Value, b.Work.SumDuration.Value),
		}
		if b.Work.AvgDuration.Value != nil {
			bucket.AvgDurationMs = *b.Work.AvgDuration.Value
		}
		stats.Buckets = append(stats.Buckets, bucket)
	}

	var summary usageAggs
	if err := decodeUsageSummary(sr, &summary); err != nil {
		return nil, fmt.Errorf("failed to decode usage summary: %w", err)
	}

	stats.Summary = &models.UsageSummary{
		Completed:        summary.Completed.DocCount,
		Failed:           summary.Failed.DocCount,
		Cached:           summary.Cached.DocCount,
		TotalTokens:      int(summary.Work.TotalTokens.Value),
		PromptTokens:     int(summary.Work.PromptTokens.Value),
		CompletionTokens: int(summary.Work.CompletionTokens.Value),
		TokensPerSecond:  tokensPerSecond(summary.Work.CompletionTokens.Value, summary.Work.SumDuration.Value),
	}
	if summary.Work.AvgDuration.Value != nil {
		stats.Summary.AvgDurationMs = *summary.Work.AvgDuration.Value
	}
	if summary.Completed.DocCount > 0 {
		stats.Summary.CacheHitRate = float64(summary.Cached.DocCount) / float64(summary.Completed.DocCount)
	}

	return stats, nil
}

func decodeUsageSummary(sr *searchResponse, out *usageAggs) error {
	buf, err := json.Marshal(sr.Aggregations)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, out)
}
