package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/llmbatch/llmbatch/pkg/broker"
	"github.com/llmbatch/llmbatch/pkg/models"
)

type taskStore interface {
	CreatePendingBulk(ctx context.Context, events []*models.Event) error
	Get(ctx context.Context, messageID string) (*models.Event, error)
	Delete(ctx context.Context, messageID string) error
	GlobalStats(ctx context.Context) (*models.BatchStats, error)
}

// TaskService implements single-task operations outside the batch path.
type TaskService struct {
	store  taskStore
	broker jobPublisher
}

// NewTaskService creates a task service.
func NewTaskService(store taskStore, broker jobPublisher) *TaskService {
	return &TaskService{store: store, broker: broker}
}

// SubmitReceipt acknowledges a queued single task.
type SubmitReceipt struct {
	MessageID string `json:"message_id"`
}

// Submit queues one task without a batch. The event is indexed PENDING
// before the task message is published, same as the batch path.
func (s *TaskService) Submit(ctx context.Context, sub *models.TaskSubmission) (*SubmitReceipt, error) {
	if sub == nil {
		return nil, NewValidationError("body", "is required")
	}
	if err := sub.Validate(); err != nil {
		var fe *models.FieldError
		if errors.As(err, &fe) {
			return nil, NewValidationError(fe.Field, fe.Message)
		}
		return nil, err
	}

	now := time.Now().UTC()
	ev := &models.Event{
		MessageID: uuid.NewString(),
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
	if err := s.store.CreatePendingBulk(ctx, []*models.Event{ev}); err != nil {
		return nil, fmt.Errorf("failed to index task event: %w", err)
	}

	msg := &models.TaskMessage{
		MessageID: ev.MessageID,
		Timestamp: now.Format(time.RFC3339),
		Payload:   sub,
	}
	if err := s.broker.PublishJSON(ctx, broker.QueueTasks, msg); err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	slog.Info("Task submitted", "message_id", ev.MessageID, "custom_id", sub.CustomID)
	return &SubmitReceipt{MessageID: ev.MessageID}, nil
}

// Get returns one event by message id.
func (s *TaskService) Get(ctx context.Context, messageID string) (*models.Event, error) {
	ev, err := s.store.Get(ctx, messageID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return ev, nil
}

// Delete removes one event.
func (s *TaskService) Delete(ctx context.Context, messageID string) error {
	if err := s.store.Delete(ctx, messageID); err != nil {
		return mapStoreError(err)
	}
	slog.Info("Task deleted", "message_id", messageID)
	return nil
}

// Stats returns the rollup across every event in the store.
func (s *TaskService) Stats(ctx context.Context) (*models.BatchStats, error) {
	return s.store.GlobalStats(ctx)
}
