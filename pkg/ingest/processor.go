// Package ingest turns staged JSONL batch files into pending events and
// per-task broker messages. One batch job is processed at a time; the file
// is streamed, never loaded whole.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/llmbatch/llmbatch/pkg/broker"
	"github.com/llmbatch/llmbatch/pkg/models"
)

// Scanner limits for a single JSONL line.
const (
	scanInitialBuf = 64 * 1024
	scanMaxLine    = 16 * 1024 * 1024
)

type eventIndexer interface {
	CreatePendingBulk(ctx context.Context, events []*models.Event) error
}

type taskPublisher interface {
	PublishBulk(ctx context.Context, queue string, bodies [][]byte) error
}

type blobStore interface {
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, bucket, key string) error
}

// Processor explodes one staged batch file into events and task messages.
type Processor struct {
	events eventIndexer
	tasks  taskPublisher
	blobs  blobStore

	chunkSize  int
	maxRetries int
	// retryInterval seeds the bulk-write backoff. Shrunk in tests.
	retryInterval time.Duration
}

// NewProcessor wires the ingestion pipeline.
func NewProcessor(events eventIndexer, tasks taskPublisher, blobs blobStore, chunkSize, maxRetries int) *Processor {
	return &Processor{
		events:        events,
		tasks:         tasks,
		blobs:         blobs,
		chunkSize:     chunkSize,
		maxRetries:    maxRetries,
		retryInterval: time.Second,
	}
}

// JobReport summarizes one ingested batch file.
type JobReport struct {
	Indexed int
	Skipped int
}

// ProcessJob streams the staged blob line by line, indexes pending events in
// chunks and publishes one task message per event. Events are indexed before
// their messages are published, so a consumed task always finds its
// document. The blob is deleted once every line is durable.
func (p *Processor) ProcessJob(ctx context.Context, job *models.BatchJobMessage) (*JobReport, error) {
	rc, err := p.blobs.Get(ctx, job.BucketName, job.ObjectName)
	if err != nil {
		return nil, fmt.Errorf("failed to open staged batch file: %w", err)
	}
	defer func() { _ = rc.Close() }()

	report := &JobReport{}
	chunk := make([]*models.Event, 0, p.chunkSize)
	msgs := make([][]byte, 0, p.chunkSize)

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, scanInitialBuf), scanMaxLine)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		ev, msg, err := p.buildTask(job.BatchID, line)
		if err != nil {
			// Bad lines are skipped, not fatal; the rest of the batch
			// still runs.
			report.Skipped++
			slog.Warn("Skipping invalid batch line",
				"batch_id", job.BatchID, "line", lineNo, "error", err)
			continue
		}

		chunk = append(chunk, ev)
		msgs = append(msgs, msg)
		if len(chunk) == p.chunkSize {
			if err := p.flush(ctx, chunk, msgs); err != nil {
				return nil, err
			}
			report.Indexed += len(chunk)
			chunk = chunk[:0]
			msgs = msgs[:0]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read staged batch file: %w", err)
	}

	if len(chunk) > 0 {
		if err := p.flush(ctx, chunk, msgs); err != nil {
			return nil, err
		}
		report.Indexed += len(chunk)
	}

	// Events are durable now; a failed cleanup must not trigger redelivery,
	// which would duplicate every task.
	if err := p.blobs.Delete(ctx, job.BucketName, job.ObjectName); err != nil {
		slog.Warn("Failed to delete ingested batch file",
			"batch_id", job.BatchID, "object", job.ObjectName, "error", err)
	}
	return report, nil
}

// buildTask validates one JSONL line and derives its event and task message.
func (p *Processor) buildTask(batchID string, line []byte) (*models.Event, []byte, error) {
	var sub models.TaskSubmission
	if err := json.Unmarshal(line, &sub); err != nil {
		return nil, nil, fmt.Errorf("malformed JSON: %w", err)
	}
	if err := sub.Validate(); err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	ev := &models.Event{
		MessageID: uuid.NewString(),
		BatchID:   batchID,
		CustomID:  sub.CustomID,
		Method:    sub.Method,
		URL:       sub.URL,
		Body:      sub.Body,
		BodyHash:  models.BodyHash(sub.Body),
		Status:    models.StatusPending,
		CreatedAt: now,
		Dataset:   sub.Dataset,
		Source:    sub.Source,
	}

	msg, err := json.Marshal(&models.TaskMessage{
		MessageID: ev.MessageID,
		BatchID:   batchID,
		Timestamp: now.Format(time.RFC3339),
		Payload:   &sub,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal task message: %w", err)
	}
	return ev, msg, nil
}

// flush indexes a chunk then publishes its task messages, each with bounded
// retries. Publish strictly follows a successful index.
func (p *Processor) flush(ctx context.Context, chunk []*models.Event, msgs [][]byte) error {
	if err := p.withRetry(ctx, func() error {
		return p.events.CreatePendingBulk(ctx, chunk)
	}); err != nil {
		return fmt.Errorf("failed to index event chunk: %w", err)
	}

	if err := p.withRetry(ctx, func() error {
		return p.tasks.PublishBulk(ctx, broker.QueueTasks, msgs)
	}); err != nil {
		return fmt.Errorf("failed to publish task chunk: %w", err)
	}
	return nil
}

func (p *Processor) withRetry(ctx context.Context, op func() error) error {
	exp := backoff.NewExponentialBackOff(backoff.WithInitialInterval(p.retryInterval))
	var bo backoff.BackOff = exp
	if p.maxRetries > 1 {
		bo = backoff.WithMaxRetries(exp, uint64(p.maxRetries-1))
	} else {
		bo = &backoff.StopBackOff{}
	}
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}
