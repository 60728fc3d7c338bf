package executor

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmbatch/llmbatch/pkg/eventstore"
	"github.com/llmbatch/llmbatch/pkg/llm"
	"github.com/llmbatch/llmbatch/pkg/models"
)

type transition struct {
	from, to models.TaskStatus
	patch    *models.EventPatch
}

type fakeStore struct {
	event  *models.Event
	cached *models.Event

	claimErr    error
	finishErr   error
	cacheErr    error
	getErr      error
	transitions []transition
}

func (f *fakeStore) Get(_ context.Context, _ string) (*models.Event, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.event == nil {
		return nil, eventstore.ErrNotFound
	}
	return f.event, nil
}

func (f *fakeStore) Transition(_ context.Context, _ string, from, to models.TaskStatus, patch *models.EventPatch) error {
	if from == models.StatusPending && f.claimErr != nil {
		return f.claimErr
	}
	if from == models.StatusProcessing && f.finishErr != nil {
		return f.finishErr
	}
	f.transitions = append(f.transitions, transition{from: from, to: to, patch: patch})
	return nil
}

func (f *fakeStore) FindCachedCompletion(_ context.Context, _ string) (*models.Event, error) {
	if f.cacheErr != nil {
		return nil, f.cacheErr
	}
	return f.cached, nil
}

type fakeInvoker struct {
	res   *llm.Result
	err   error
	calls int
}

func (f *fakeInvoker) Invoke(_ context.Context, _, _ string, _ map[string]any, _ string) (*llm.Result, error) {
	f.calls++
	return f.res, f.err
}

func taskMsg() *models.TaskMessage {
	return &models.TaskMessage{
		MessageID: "m1",
		BatchID:   "b1",
		Payload: &models.TaskSubmission{
			CustomID: "t1",
			Method:   http.MethodPost,
			URL:      "https://llm.example/v1/completions",
			Body:     map[string]any{"model": "m", "prompt": "p"},
		},
	}
}

func TestExecuteHappyPath(t *testing.T) {
	store := &fakeStore{}
	up := &fakeInvoker{res: &llm.Result{
		Completions: map[string]any{"id": "cmpl-1"},
		Usage:       llm.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}}

	out := NewExecutor(store, up).Execute(context.Background(), taskMsg(), false)
	assert.Equal(t, outcomeAck, out)
	assert.Equal(t, 1, up.calls)

	require.Len(t, store.transitions, 2)
	claim := store.transitions[0]
	assert.Equal(t, models.StatusPending, claim.from)
	assert.Equal(t, models.StatusProcessing, claim.to)
	require.NotNil(t, claim.patch.StartedAt)

	final := store.transitions[1]
	assert.Equal(t, models.StatusProcessing, final.from)
	assert.Equal(t, models.StatusCompleted, final.to)
	assert.Equal(t, "cmpl-1", final.patch.Completions["id"])
	assert.Equal(t, 30, *final.patch.TotalTokens)
	assert.False(t, *final.patch.Cached)
	require.NotNil(t, final.patch.StartedAt)
	require.NotNil(t, final.patch.CompletedAt)
	require.NotNil(t, final.patch.Duration)
	assert.InDelta(t, final.patch.CompletedAt.Sub(*final.patch.StartedAt).Milliseconds(),
		*final.patch.Duration, 1)
}

func TestExecuteCacheHitSkipsUpstream(t *testing.T) {
	store := &fakeStore{cached: &models.Event{
		MessageID:   "origin",
		Completions: map[string]any{"id": "cmpl-cached"},
		TotalTokens: 500,
	}}
	up := &fakeInvoker{}

	out := NewExecutor(store, up).Execute(context.Background(), taskMsg(), false)
	assert.Equal(t, outcomeAck, out)
	assert.Zero(t, up.calls, "cache hit must not call upstream")

	final := store.transitions[1]
	assert.Equal(t, models.StatusCompleted, final.to)
	assert.Equal(t, "cmpl-cached", final.patch.Completions["id"])
	assert.True(t, *final.patch.Cached)
	// Copied results never bill tokens.
	assert.Zero(t, *final.patch.TotalTokens)
	assert.Zero(t, *final.patch.PromptTokens)
}

func TestExecuteCacheLookupErrorFallsThrough(t *testing.T) {
	store := &fakeStore{cacheErr: errors.New("search failed")}
	up := &fakeInvoker{res: &llm.Result{Completions: map[string]any{}}}

	out := NewExecutor(store, up).Execute(context.Background(), taskMsg(), false)
	assert.Equal(t, outcomeAck, out)
	assert.Equal(t, 1, up.calls)
}

func TestExecuteUpstreamFailureRecordsError(t *testing.T) {
	store := &fakeStore{}
	up := &fakeInvoker{err: &llm.InvokeError{StatusCode: 500, Message: "still broken", Attempts: 3}}

	out := NewExecutor(store, up).Execute(context.Background(), taskMsg(), false)
	assert.Equal(t, outcomeAck, out)

	final := store.transitions[1]
	assert.Equal(t, models.StatusFailed, final.to)
	assert.Equal(t, 500, final.patch.Result["status_code"])
	assert.Contains(t, final.patch.Result["error"].(string), "still broken")
	require.NotNil(t, final.patch.Attempt)
	assert.Equal(t, 3, *final.patch.Attempt)
}

func TestExecuteEventGone(t *testing.T) {
	store := &fakeStore{claimErr: eventstore.ErrNotFound}
	up := &fakeInvoker{}

	out := NewExecutor(store, up).Execute(context.Background(), taskMsg(), false)
	assert.Equal(t, outcomeAck, out)
	assert.Zero(t, up.calls)
}

func TestExecuteDuplicateDeliveryOfFinishedTask(t *testing.T) {
	store := &fakeStore{
		claimErr: eventstore.ErrConflict,
		event:    &models.Event{MessageID: "m1", Status: models.StatusCompleted},
	}
	up := &fakeInvoker{}

	out := NewExecutor(store, up).Execute(context.Background(), taskMsg(), false)
	assert.Equal(t, outcomeAck, out)
	assert.Zero(t, up.calls)
	assert.Empty(t, store.transitions)
}

func TestExecuteResumesAbandonedTask(t *testing.T) {
	store := &fakeStore{
		claimErr: eventstore.ErrConflict,
		event:    &models.Event{MessageID: "m1", Status: models.StatusProcessing},
	}
	up := &fakeInvoker{res: &llm.Result{Completions: map[string]any{"id": "cmpl-2"}}}

	out := NewExecutor(store, up).Execute(context.Background(), taskMsg(), true)
	assert.Equal(t, outcomeAck, out)
	assert.Equal(t, 1, up.calls)

	require.Len(t, store.transitions, 1)
	assert.Equal(t, models.StatusCompleted, store.transitions[0].to)
}

func TestExecuteResumeRewritesStartedAt(t *testing.T) {
	// The stored event keeps the dead worker's claim time. The resumed run
	// must write its own started_at with the terminal patch, or the stored
	// duration would disagree with the timestamp window.
	stale := time.Now().UTC().Add(-10 * time.Minute)
	store := &fakeStore{
		claimErr: eventstore.ErrConflict,
		event: &models.Event{
			MessageID: "m1",
			Status:    models.StatusProcessing,
			StartedAt: &stale,
		},
	}
	up := &fakeInvoker{res: &llm.Result{Completions: map[string]any{}}}

	out := NewExecutor(store, up).Execute(context.Background(), taskMsg(), true)
	assert.Equal(t, outcomeAck, out)

	require.Len(t, store.transitions, 1)
	patch := store.transitions[0].patch
	require.NotNil(t, patch.StartedAt)
	require.NotNil(t, patch.CompletedAt)
	require.NotNil(t, patch.Duration)
	assert.InDelta(t, patch.CompletedAt.Sub(*patch.StartedAt).Milliseconds(), *patch.Duration, 1)
	assert.True(t, patch.StartedAt.After(stale), "stale claim time must be replaced")
}

func TestExecuteFailureRewritesStartedAt(t *testing.T) {
	store := &fakeStore{}
	up := &fakeInvoker{err: &llm.InvokeError{StatusCode: 500, Message: "broken"}}

	out := NewExecutor(store, up).Execute(context.Background(), taskMsg(), false)
	assert.Equal(t, outcomeAck, out)

	final := store.transitions[1]
	require.NotNil(t, final.patch.StartedAt)
	require.NotNil(t, final.patch.CompletedAt)
	require.NotNil(t, final.patch.Duration)
	assert.InDelta(t, final.patch.CompletedAt.Sub(*final.patch.StartedAt).Milliseconds(),
		*final.patch.Duration, 1)
}

func TestExecuteFirstDeliveryConflictIsDropped(t *testing.T) {
	store := &fakeStore{
		claimErr: eventstore.ErrConflict,
		event:    &models.Event{MessageID: "m1", Status: models.StatusProcessing},
	}
	up := &fakeInvoker{}

	out := NewExecutor(store, up).Execute(context.Background(), taskMsg(), false)
	assert.Equal(t, outcomeAck, out)
	assert.Zero(t, up.calls)
}

func TestExecuteClaimStoreErrorRequeues(t *testing.T) {
	store := &fakeStore{claimErr: errors.New("es down")}
	out := NewExecutor(store, &fakeInvoker{}).Execute(context.Background(), taskMsg(), false)
	assert.Equal(t, outcomeRequeue, out)
}

func TestExecuteTerminalWriteFailureRequeues(t *testing.T) {
	store := &fakeStore{finishErr: errors.New("es down")}
	up := &fakeInvoker{res: &llm.Result{Completions: map[string]any{}}}

	out := NewExecutor(store, up).Execute(context.Background(), taskMsg(), false)
	assert.Equal(t, outcomeRequeue, out)
}

func TestExecuteTerminalConflictIsAcked(t *testing.T) {
	store := &fakeStore{finishErr: eventstore.ErrConflict}
	up := &fakeInvoker{res: &llm.Result{Completions: map[string]any{}}}

	out := NewExecutor(store, up).Execute(context.Background(), taskMsg(), false)
	assert.Equal(t, outcomeAck, out)
}

func TestExecuteMalformedMessageDropped(t *testing.T) {
	out := NewExecutor(&fakeStore{}, &fakeInvoker{}).
		Execute(context.Background(), &models.TaskMessage{MessageID: "m1"}, false)
	assert.Equal(t, outcomeDrop, out)
}
