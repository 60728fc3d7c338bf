package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmbatch/llmbatch/pkg/broker"
	"github.com/llmbatch/llmbatch/pkg/eventstore"
	"github.com/llmbatch/llmbatch/pkg/models"
)

type fakeTaskStore struct {
	indexed   []*models.Event
	indexErr  error
	event     *models.Event
	getErr    error
	deleteErr error
	stats     *models.BatchStats
}

func (f *fakeTaskStore) CreatePendingBulk(_ context.Context, events []*models.Event) error {
	if f.indexErr != nil {
		return f.indexErr
	}
	f.indexed = append(f.indexed, events...)
	return nil
}

func (f *fakeTaskStore) Get(_ context.Context, _ string) (*models.Event, error) {
	return f.event, f.getErr
}

func (f *fakeTaskStore) Delete(_ context.Context, _ string) error {
	return f.deleteErr
}

func (f *fakeTaskStore) GlobalStats(_ context.Context) (*models.BatchStats, error) {
	return f.stats, nil
}

func submission() *models.TaskSubmission {
	return &models.TaskSubmission{
		CustomID: "t1",
		Method:   "POST",
		URL:      "https://llm.example/v1/completions",
		Body:     map[string]any{"model": "m"},
	}
}

func TestSubmitIndexesBeforePublishing(t *testing.T) {
	store := &fakeTaskStore{}
	pub := &fakeJobPublisher{}
	svc := NewTaskService(store, pub)

	receipt, err := svc.Submit(context.Background(), submission())
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.MessageID)

	require.Len(t, store.indexed, 1)
	ev := store.indexed[0]
	assert.Equal(t, receipt.MessageID, ev.MessageID)
	assert.Equal(t, models.StatusPending, ev.Status)
	assert.Empty(t, ev.BatchID, "single tasks have no batch")
	assert.NotEmpty(t, ev.BodyHash)

	assert.Equal(t, broker.QueueTasks, pub.queue)
	require.Len(t, pub.msgs, 1)
	msg := pub.msgs[0].(*models.TaskMessage)
	assert.Equal(t, receipt.MessageID, msg.MessageID)
}

func TestSubmitValidation(t *testing.T) {
	svc := NewTaskService(&fakeTaskStore{}, &fakeJobPublisher{})

	_, err := svc.Submit(context.Background(), nil)
	assert.True(t, IsValidationError(err))

	bad := submission()
	bad.CustomID = ""
	_, err = svc.Submit(context.Background(), bad)
	assert.True(t, IsValidationError(err))
}

func TestSubmitIndexFailureSkipsPublish(t *testing.T) {
	store := &fakeTaskStore{indexErr: errors.New("es down")}
	pub := &fakeJobPublisher{}
	svc := NewTaskService(store, pub)

	_, err := svc.Submit(context.Background(), submission())
	require.Error(t, err)
	assert.Empty(t, pub.msgs)
}

func TestTaskGetMapsNotFound(t *testing.T) {
	store := &fakeTaskStore{getErr: eventstore.ErrNotFound}
	svc := NewTaskService(store, &fakeJobPublisher{})
	_, err := svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTaskDeleteMapsNotFound(t *testing.T) {
	store := &fakeTaskStore{deleteErr: eventstore.ErrNotFound}
	svc := NewTaskService(store, &fakeJobPublisher{})
	assert.ErrorIs(t, svc.Delete(context.Background(), "missing"), ErrNotFound)
}
