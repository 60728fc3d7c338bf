package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/llmbatch/llmbatch/pkg/broker"
	"github.com/llmbatch/llmbatch/pkg/models"
)

// Worker consumes batch jobs and feeds them to the processor one at a time.
// Prefetch is 1; a crash mid-file leaves the job unacked and redelivered.
type Worker struct {
	client         *broker.Client
	processor      *Processor
	reconnectDelay time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker builds the ingestion worker.
func NewWorker(client *broker.Client, processor *Processor, reconnectDelay time.Duration) *Worker {
	return &Worker{
		client:         client,
		processor:      processor,
		reconnectDelay: reconnectDelay,
		stopCh:         make(chan struct{}),
	}
}

// Start launches the consume loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
	slog.Info("Ingestion worker started", "queue", broker.QueueBatchJobs)
}

// Stop signals the loop and waits for the in-flight job to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	slog.Info("Ingestion worker stopped")
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		cons, err := w.client.Consume(broker.QueueBatchJobs, 1)
		if err != nil {
			slog.Error("Failed to consume batch jobs, retrying",
				"error", err, "delay", w.reconnectDelay)
			select {
			case <-w.stopCh:
				return
			case <-time.After(w.reconnectDelay):
			}
			continue
		}

		w.consume(cons)
		cons.Close()
	}
}

func (w *Worker) consume(cons *broker.Consumer) {
	for {
		select {
		case <-w.stopCh:
			return
		case d, ok := <-cons.Deliveries():
			if !ok {
				slog.Warn("Batch job stream closed, reconnecting")
				return
			}
			w.handle(cons, d)
		}
	}
}

func (w *Worker) handle(cons *broker.Consumer, d amqp.Delivery) {
	var job models.BatchJobMessage
	if err := json.Unmarshal(d.Body, &job); err != nil {
		// A malformed job can never succeed; drop it instead of looping.
		slog.Error("Dropping malformed batch job message", "error", err)
		cons.Nack(d.DeliveryTag, false)
		return
	}

	started := time.Now()
	report, err := w.processor.ProcessJob(context.Background(), &job)
	if err != nil {
		slog.Error("Batch ingestion failed, requeueing",
			"batch_id", job.BatchID, "object", job.ObjectName, "error", err)
		cons.Nack(d.DeliveryTag, true)
		return
	}

	cons.Ack(d.DeliveryTag)
	slog.Info("Batch ingested",
		"batch_id", job.BatchID,
		"indexed", report.Indexed,
		"skipped", report.Skipped,
		"duration", time.Since(started))
}
