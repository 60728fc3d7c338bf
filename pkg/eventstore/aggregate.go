package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v8/esutil"

	"github.com/llmbatch/llmbatch/pkg/models"
)

// statsAggs is the single-pass aggregation shared by batch rollups, the
// batch listing, and the global task rollup.
type statsAggs struct {
	Status struct {
		Buckets []struct {
			Key      string `json:"key"`
			DocCount int    `json:"doc_count"`
		} `json:"buckets"`
	} `json:"status"`
	Cached struct {
		DocCount int `json:"doc_count"`
	} `json:"cached"`
	Created   dateAgg `json:"created"`
	Started   dateAgg `json:"started"`
	Completed dateAgg `json:"completed"`
	Tokens    struct {
		DocCount   int    `json:"doc_count"`
		Total      sumAgg `json:"total"`
		Prompt     sumAgg `json:"prompt"`
		Completion sumAgg `json:"completion"`
	} `json:"tokens"`
}

type sumAgg struct {
	Value float64 `json:"value"`
}

type dateAgg struct {
	Value *float64 `json:"value"`
}

// Time converts the aggregation's epoch-millis value, if any.
func (d dateAgg) Time() *time.Time {
	if d.Value == nil {
		return nil
	}
	t := time.UnixMilli(int64(*d.Value)).UTC()
	return &t
}

// statsSubAggs builds the aggregation body decoded by statsAggs. Token sums
// cover non-cached members only; cached events carry zeroed counters by
// invariant, so the filter keeps the sums exact even if that invariant is
// ever violated.
func statsSubAggs() map[string]any {
	return map[string]any{
		"status": map[string]any{
			"terms": map[string]any{"field": "status", "size": 10},
		},
		"cached": map[string]any{
			"filter": map[string]any{"term": map[string]any{"cached": true}},
		},
		"created":   map[string]any{"min": map[string]any{"field": "created_at"}},
		"started":   map[string]any{"min": map[string]any{"field": "started_at"}},
		"completed": map[string]any{"max": map[string]any{"field": "completed_at"}},
		"tokens": map[string]any{
			"filter": map[string]any{"term": map[string]any{"cached": false}},
			"aggs": map[string]any{
				"total":      map[string]any{"sum": map[string]any{"field": "total_tokens"}},
				"prompt":     map[string]any{"sum": map[string]any{"field": "prompt_tokens"}},
				"completion": map[string]any{"sum": map[string]any{"field": "completion_tokens"}},
			},
		},
	}
}

func buildStats(batchID string, total int, aggs *statsAggs) *models.BatchStats {
	stats := &models.BatchStats{
		BatchID:          batchID,
		TotalTasks:       total,
		CachedTasks:      aggs.Cached.DocCount,
		StartedAt:        aggs.Started.Time(),
		CompletedAt:      aggs.Completed.Time(),
		TotalTokens:      int(aggs.Tokens.Total.Value),
		PromptTokens:     int(aggs.Tokens.Prompt.Value),
		CompletionTokens: int(aggs.Tokens.Completion.Value),
	}
	if created := aggs.Created.Time(); created != nil {
		stats.CreatedAt = *created
	}

	for _, b := range aggs.Status.Buckets {
		switch models.TaskStatus(b.Key) {
		case models.StatusPending:
			stats.PendingTasks = b.DocCount
		case models.StatusProcessing:
			stats.ProcessingTasks = b.DocCount
		case models.StatusCompleted:
			stats.CompletedTasks = b.DocCount
		case models.StatusFailed:
			stats.FailedTasks = b.DocCount
		}
	}
	stats.BatchStatus = models.DeriveBatchStatus(stats.PendingTasks, stats.ProcessingTasks, stats.FailedTasks)

	if stats.CompletedAt != nil && !stats.CreatedAt.IsZero() {
		d := stats.CompletedAt.Sub(stats.CreatedAt).Milliseconds()
		stats.Duration = &d
	}
	return stats
}

// AggregateBatch computes the rollup of one batch in a single query.
// Returns ErrNotFound for an unknown or empty batch.
func (c *Client) AggregateBatch(ctx context.Context, batchID string) (*models.BatchStats, error) {
	query := map[string]any{
		"size":             0,
		"track_total_hits": true,
		"query":            map[string]any{"term": map[string]any{"batch_id": batchID}},
		"aggs":             statsSubAggs(),
	}

	sr, err := c.search(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("batch aggregation failed for %s: %w", batchID, err)
	}
	if sr.Hits.Total.Value == 0 {
		return nil, ErrNotFound
	}

	var aggs statsAggs
	if err := decodeAggs(sr, &aggs); err != nil {
		return nil, fmt.Errorf("batch aggregation failed for %s: %w", batchID, err)
	}
	return buildStats(batchID, sr.Hits.Total.Value, &aggs), nil
}

// GlobalStats computes the rollup across all events, batched or not.
func (c *Client) GlobalStats(ctx context.Context) (*models.BatchStats, error) {
	query := map[string]any{
		"size":             0,
		"track_total_hits": true,
		"query":            map[string]any{"match_all": map[string]any{}},
		"aggs":             statsSubAggs(),
	}

	sr, err := c.search(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("global aggregation failed: %w", err)
	}

	var aggs statsAggs
	if err := decodeAggs(sr, &aggs); err != nil {
		return nil, fmt.Errorf("global aggregation failed: %w", err)
	}
	return buildStats("", sr.Hits.Total.Value, &aggs), nil
}

// maxBatchBuckets caps the batch listing; beyond this the terms aggregation
// would need composite pagination.
const maxBatchBuckets = 10000

// ListBatches returns the rollup of every batch, most recently created
// first.
func (c *Client) ListBatches(ctx context.Context) (*models.BatchList, error) {
	query := map[string]any{
		"size":  0,
		"query": map[string]any{"exists": map[string]any{"field": "batch_id"}},
		"aggs": map[string]any{
			"batches": map[string]any{
				"terms": map[string]any{
					"field": "batch_id",
					"size":  maxBatchBuckets,
					"order": map[string]any{"latest": "desc"},
				},
				"aggs": mergeAggs(statsSubAggs(), map[string]any{
					"latest": map[string]any{"max": map[string]any{"field": "created_at"}},
				}),
			},
		},
	}

	sr, err := c.search(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("batch listing failed: %w", err)
	}

	var agg struct {
		Buckets []struct {
			Key      string `json:"key"`
			DocCount int    `json:"doc_count"`
			statsAggs
		} `json:"buckets"`
	}
	raw, ok := sr.Aggregations["batches"]
	if !ok {
		return &models.BatchList{Batches: []*models.BatchStats{}}, nil
	}
	if err := json.Unmarshal(raw, &agg); err != nil {
		return nil, fmt.Errorf("failed to decode batch listing: %w", err)
	}

	list := &models.BatchList{
		Batches: make([]*models.BatchStats, 0, len(agg.Buckets)),
		Total:   len(agg.Buckets),
	}
	for _, b := range agg.Buckets {
		list.Batches = append(list.Batches, buildStats(b.Key, b.DocCount, &b.statsAggs))
	}
	return list, nil
}

func mergeAggs(base, extra map[string]any) map[string]any {
	for k, v := range extra {
		base[k] = v
	}
	return base
}

func (c *Client) search(ctx context.Context, query map[string]any) (*searchResponse, error) {
	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(IndexName),
		c.es.Search.WithBody(esutil.NewJSONReader(query)))
	if err != nil {
		return nil, err
	}
	defer drainAndClose(res)

	if res.IsError() {
		return nil, fmt.Errorf("search failed: %s", res.String())
	}

	var sr searchResponse
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	return &sr, nil
}

func decodeAggs(sr *searchResponse, out *statsAggs) error {
	buf, err := json.Marshal(sr.Aggregations)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, out)
}
