package eventstore

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmbatch/llmbatch/pkg/models"
)

func statsAggsPayload(pending, processing, completed, failed, cached int, tokens float64) map[string]any {
	buckets := []any{}
	add := func(key string, count int) {
		if count > 0 {
			buckets = append(buckets, map[string]any{"key": key, "doc_count": count})
		}
	}
	add("PENDING", pending)
	add("PROCESSING", processing)
	add("COMPLETED", completed)
	add("FAILED", failed)

	created := float64(time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC).UnixMilli())
	done := float64(time.Date(2026, 8, 1, 10, 5, 0, 0, time.UTC).UnixMilli())

	return map[string]any{
		"status":    map[string]any{"buckets": buckets},
		"cached":    map[string]any{"doc_count": cached},
		"created":   map[string]any{"value": created},
		"started":   map[string]any{"value": created},
		"completed": map[string]any{"value": done},
		"tokens": map[string]any{
			"doc_count":  completed - cached,
			"total":      map[string]any{"value": tokens},
			"prompt":     map[string]any{"value": tokens / 2},
			"completion": map[string]any{"value": tokens / 2},
		},
	}
}

func TestAggregateBatch(t *testing.T) {
	f, c := newFakeES(t)
	f.on(http.MethodPost, "/events/_search", http.StatusOK, map[string]any{
		"hits":         map[string]any{"total": map[string]any{"value": 10}, "hits": []any{}},
		"aggregations": statsAggsPayload(0, 0, 8, 2, 3, 1000),
	})

	stats, err := c.AggregateBatch(context.Background(), "b1")
	require.NoError(t, err)

	assert.Equal(t, "b1", stats.BatchID)
	assert.Equal(t, 10, stats.TotalTasks)
	assert.Equal(t, 8, stats.CompletedTasks)
	assert.Equal(t, 2, stats.FailedTasks)
	assert.Equal(t, 0, stats.PendingTasks)
	assert.Equal(t, 3, stats.CachedTasks)
	assert.Equal(t, 1000, stats.TotalTokens)
	assert.Equal(t, models.StatusFailed, stats.BatchStatus)
	require.NotNil(t, stats.Duration)
	assert.Equal(t, int64(5*60*1000), *stats.Duration)
}

func TestAggregateBatchStatusPriority(t *testing.T) {
	f, c := newFakeES(t)
	f.on(http.MethodPost, "/events/_search", http.StatusOK, map[string]any{
		"hits":         map[string]any{"total": map[string]any{"value": 6}, "hits": []any{}},
		"aggregations": statsAggsPayload(2, 1, 2, 1, 0, 100),
	})

	stats, err := c.AggregateBatch(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, stats.BatchStatus)
}

func TestAggregateBatchEmptyIsNotFound(t *testing.T) {
	f, c := newFakeES(t)
	f.on(http.MethodPost, "/events/_search", http.StatusOK, map[string]any{
		"hits": map[string]any{"total": map[string]any{"value": 0}, "hits": []any{}},
	})

	_, err := c.AggregateBatch(context.Background(), "empty")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListBatchesOrderAndDecoding(t *testing.T) {
	f, c := newFakeES(t)

	mkBucket := func(id string, total int) map[string]any {
		b := statsAggsPayload(0, 0, total, 0, 0, 10)
		b["key"] = id
		b["doc_count"] = total
		return b
	}
	f.on(http.MethodPost, "/events/_search", http.StatusOK, map[string]any{
		"hits": map[string]any{"total": map[string]any{"value": 5}, "hits": []any{}},
		"aggregations": map[string]any{
			"batches": map[string]any{
				"buckets": []any{mkBucket("newer", 3), mkBucket("older", 2)},
			},
		},
	})

	list, err := c.ListBatches(context.Background())
	require.NoError(t, err)
	require.Len(t, list.Batches, 2)
	assert.Equal(t, 2, list.Total)
	assert.Equal(t, "newer", list.Batches[0].BatchID)
	assert.Equal(t, 3, list.Batches[0].TotalTasks)
	assert.Equal(t, models.StatusCompleted, list.Batches[0].BatchStatus)

	// The terms aggregation must ask for newest-first ordering.
	req := f.lastRequest(http.MethodPost, "/events/_search")
	require.NotNil(t, req)
	assert.Contains(t, string(req.Body), `"order":{"latest":"desc"}`)
}

func TestGlobalStatsEmptyIndex(t *testing.T) {
	f, c := newFakeES(t)
	f.on(http.MethodPost, "/events/_search", http.StatusOK, map[string]any{
		"hits": map[string]any{"total": map[string]any{"value": 0}, "hits": []any{}},
	})

	stats, err := c.GlobalStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalTasks)
	assert.Equal(t, models.StatusCompleted, stats.BatchStatus)
}

func TestUsageTimeSeries(t *testing.T) {
	f, c := newFakeES(t)

	bucket := map[string]any{
		"key":       float64(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC).UnixMilli()),
		"doc_count": 10,
		"completed": map[string]any{"doc_count": 8},
		"failed":    map[string]any{"doc_count": 2},
		"cached":    map[string]any{"doc_count": 3},
		"work": map[string]any{
			"doc_count":         7,
			"total_tokens":      map[string]any{"value": 700.0},
			"prompt_tokens":     map[string]any{"value": 200.0},
			"completion_tokens": map[string]any{"value": 500.0},
			"sum_duration":      map[string]any{"value": 10000.0},
			"avg_duration":      map[string]any{"value": 1428.5},
		},
	}
	summary := map[string]any{
		"completed": map[string]any{"doc_count": 8},
		"failed":    map[string]any{"doc_count": 2},
		"cached":    map[string]any{"doc_count": 4},
		"work": map[string]any{
			"doc_count":         7,
			"total_tokens":      map[string]any{"value": 700.0},
			"prompt_tokens":     map[string]any{"value": 200.0},
			"completion_tokens": map[string]any{"value": 500.0},
			"sum_duration":      map[string]any{"value": 10000.0},
			"avg_duration":      map[string]any{"value": 1428.5},
		},
	}
	aggs := map[string]any{"timeline": map[string]any{"buckets": []any{bucket}}}
	for k, v := range summary {
		aggs[k] = v
	}
	f.on(http.MethodPost, "/events/_search", http.StatusOK, map[string]any{
		"hits":         map[string]any{"total": map[string]any{"value": 10}, "hits": []any{}},
		"aggregations": aggs,
	})

	stats, err := c.UsageTimeSeries(context.Background(), "b1", time.Hour, "1m")
	require.NoError(t, err)

	require.Len(t, stats.Buckets, 1)
	b := stats.Buckets[0]
	assert.Equal(t, 8, b.Completed)
	assert.Equal(t, 2, b.Failed)
	assert.Equal(t, 3, b.Cached)
	assert.Equal(t, 700, b.TotalTokens)
	// 500 completion tokens over 10 s of work.
	assert.InDelta(t, 50.0, b.TokensPerSecond, 0.001)
	assert.InDelta(t, 1428.5, b.AvgDurationMs, 0.001)

	require.NotNil(t, stats.Summary)
	assert.InDelta(t, 0.5, stats.Summary.CacheHitRate, 0.001)
	assert.InDelta(t, 50.0, stats.Summary.TokensPerSecond, 0.001)

	req := f.lastRequest(http.MethodPost, "/events/_search")
	require.NotNil(t, req)
	assert.Contains(t, string(req.Body), `"calendar_interval":"1m"`)
}

func TestUsageTimeSeriesUnknownBatchIsNotFound(t *testing.T) {
	f, c := newFakeES(t)
	f.on(http.MethodPost, "/events/_search", http.StatusOK, map[string]any{
		"hits": map[string]any{"total": map[string]any{"value": 0}, "hits": []any{}},
	})

	_, err := c.UsageTimeSeries(context.Background(), "unknown", time.Hour, "1h")
	assert.ErrorIs(t, err, ErrNotFound)

	// Only the existence probe runs; the aggregation is never attempted.
	require.Len(t, f.requests, 1)
	assert.Contains(t, string(f.requests[0].Body), `"batch_id":"unknown"`)
}
