package services

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/llmbatch/llmbatch/pkg/broker"
	"github.com/llmbatch/llmbatch/pkg/eventstore"
	"github.com/llmbatch/llmbatch/pkg/models"
	"github.com/llmbatch/llmbatch/pkg/objectstore"
)

// Pagination bounds for task listings.
const (
	DefaultPageSize = 50
	MaxPageSize     = 10000
)

var (
	timeRangePattern = regexp.MustCompile(`^(\d+)([mhd])$`)

	// validIntervals are the calendar intervals the event store accepts.
	validIntervals = map[string]struct{}{
		"1m": {}, "1h": {}, "1d": {}, "1w": {}, "1M": {}, "1q": {}, "1y": {},
	}
)

type batchStore interface {
	AggregateBatch(ctx context.Context, batchID string) (*models.BatchStats, error)
	ListBatches(ctx context.Context) (*models.BatchList, error)
	ListTasks(ctx context.Context, batchID string, status *models.TaskStatus, page, pageSize int) (*models.TaskPage, error)
	ScrollTasks(ctx context.Context, batchID string, status *models.TaskStatus) (*eventstore.TaskScroll, []*models.Event, error)
	UsageTimeSeries(ctx context.Context, batchID string, timeRange time.Duration, interval string) (*models.UsageStats, error)
	DeleteByBatch(ctx context.Context, batchID string) (int, error)
}

type batchBlobStore interface {
	Bucket() string
	Put(ctx context.Context, key string, data []byte) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

type jobPublisher interface {
	PublishJSON(ctx context.Context, queue string, v any) error
}

// BatchService implements the batch lifecycle: upload and staging, rollups,
// task listings, export and deletion.
type BatchService struct {
	store  batchStore
	blobs  batchBlobStore
	broker jobPublisher
}

// NewBatchService creates a batch service.
func NewBatchService(store batchStore, blobs batchBlobStore, broker jobPublisher) *BatchService {
	return &BatchService{store: store, blobs: blobs, broker: broker}
}

// UploadReceipt acknowledges an accepted batch upload. TotalTasks counts
// non-empty lines; invalid lines are only discovered during ingestion.
type UploadReceipt struct {
	BatchID    string `json:"batch_id"`
	TotalTasks int    `json:"total_tasks"`
}

// Upload stages a JSONL file and enqueues a batch job for ingestion. The
// file content is not validated line by line here; ingestion does that.
func (s *BatchService) Upload(ctx context.Context, batchID, filename string, data []byte) (*UploadReceipt, error) {
	if !strings.HasSuffix(strings.ToLower(filename), ".jsonl") {
		return nil, NewValidationError("file", "must be a .jsonl file")
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, NewValidationError("file", "is empty")
	}
	if batchID == "" {
		batchID = uuid.NewString()
	}

	key := objectstore.UploadKey(batchID, filename)
	if err := s.blobs.Put(ctx, key, data); err != nil {
		return nil, fmt.Errorf("failed to stage batch file: %w", err)
	}

	job := &models.BatchJobMessage{
		BatchID:         batchID,
		ObjectName:      key,
		BucketName:      s.blobs.Bucket(),
		UploadTimestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.broker.PublishJSON(ctx, broker.QueueBatchJobs, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue batch job: %w", err)
	}

	receipt := &UploadReceipt{BatchID: batchID, TotalTasks: countLines(data)}
	slog.Info("Batch upload accepted",
		"batch_id", batchID, "object", key, "total_tasks", receipt.TotalTasks)
	return receipt, nil
}

func countLines(data []byte) int {
	n := 0
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) > 0 {
			n++
		}
	}
	return n
}

// Get returns the rollup for one batch.
func (s *BatchService) Get(ctx context.Context, batchID string) (*models.BatchStats, error) {
	stats, err := s.store.AggregateBatch(ctx, batchID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return stats, nil
}

// List returns rollups for all known batches.
func (s *BatchService) List(ctx context.Context) (*models.BatchList, error) {
	return s.store.ListBatches(ctx)
}

// Delete removes every event of a batch and any staged files still lying
// around. Blob cleanup is best effort; the events are the real state.
func (s *BatchService) Delete(ctx context.Context, batchID string) error {
	deleted, err := s.store.DeleteByBatch(ctx, batchID)
	if err != nil {
		return mapStoreError(err)
	}

	if removed, err := s.blobs.DeletePrefix(ctx, "batches/"+batchID+"/"); err != nil {
		slog.Warn("Failed to clean staged files for deleted batch",
			"batch_id", batchID, "error", err)
	} else if removed > 0 {
		slog.Info("Removed staged files for deleted batch",
			"batch_id", batchID, "files", removed)
	}

	slog.Info("Batch deleted", "batch_id", batchID, "events", deleted)
	return nil
}

// Tasks returns one page of a batch's events.
func (s *BatchService) Tasks(ctx context.Context, batchID, statusFilter string, page, pageSize int) (*models.TaskPage, error) {
	status, err := parseStatusFilter(statusFilter)
	if err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		return nil, NewValidationError("page_size", fmt.Sprintf("must be at most %d", MaxPageSize))
	}
	return s.store.ListTasks(ctx, batchID, status, page, pageSize)
}

// ExportScroll is a cursor over a full batch scan. Next returns nil when
// the scan is exhausted.
type ExportScroll interface {
	Next(ctx context.Context) ([]*models.Event, error)
	Close(ctx context.Context)
	Total() int
}

// Export opens a full scan over a batch's events. The caller owns the
// returned scroll and must Close it on every path.
func (s *BatchService) Export(ctx context.Context, batchID, statusFilter string) (ExportScroll, []*models.Event, error) {
	status, err := parseStatusFilter(statusFilter)
	if err != nil {
		return nil, nil, err
	}
	scroll, first, err := s.store.ScrollTasks(ctx, batchID, status)
	if err != nil {
		return nil, nil, err
	}
	return scroll, first, nil
}

// Usage returns the usage time series for a batch. timeRange is of the form
// "<n>m|h|d" and interval one of the calendar intervals.
func (s *BatchService) Usage(ctx context.Context, batchID, timeRange, interval string) (*models.UsageStats, error) {
	if timeRange == "" {
		timeRange = "24h"
	}
	dur, err := parseTimeRange(timeRange)
	if err != nil {
		return nil, err
	}
	if interval == "" {
		interval = "1h"
	}
	if _, ok := validIntervals[interval]; !ok {
		return nil, NewValidationError("interval", "must be one of 1m, 1h, 1d, 1w, 1M, 1q, 1y")
	}

	stats, err := s.store.UsageTimeSeries(ctx, batchID, dur, interval)
	if err != nil {
		return nil, mapStoreError(err)
	}
	stats.TimeRange = timeRange
	return stats, nil
}

func parseStatusFilter(raw string) (*models.TaskStatus, error) {
	if raw == "" {
		return nil, nil
	}
	status, err := models.ParseTaskStatus(raw)
	if err != nil {
		return nil, NewValidationError("task_status", "must be one of PENDING, PROCESSING, COMPLETED, FAILED")
	}
	return &status, nil
}

// parseTimeRange validates and converts a "<n><unit>" range. Units are
// capped so a typo cannot fan a query out over years of events.
func parseTimeRange(raw string) (time.Duration, error) {
	if raw == "" {
		raw = "24h"
	}
	m := timeRangePattern.FindStringSubmatch(raw)
	if m == nil {
		return 0, NewValidationError("time_range", "must match <number><m|h|d>, e.g. 90m, 24h, 7d")
	}

	var n int
	if _, err := fmt.Sscanf(m[1], "%d", &n); err != nil || n < 1 {
		return 0, NewValidationError("time_range", "must be a positive number of minutes, hours or days")
	}

	switch m[2] {
	case "m":
		if n > 1440 {
			return 0, NewValidationError("time_range", "minutes capped at 1440")
		}
		return time.Duration(n) * time.Minute, nil
	case "h":
		if n > 720 {
			return 0, NewValidationError("time_range", "hours capped at 720")
		}
		return time.Duration(n) * time.Hour, nil
	default:
		if n > 365 {
			return 0, NewValidationError("time_range", "days capped at 365")
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
}
