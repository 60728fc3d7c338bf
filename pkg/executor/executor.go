// Package executor runs pending tasks against their upstream endpoints with
// bounded concurrency. The event store is the source of truth: deliveries
// are acked only after a terminal status is durable.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/llmbatch/llmbatch/pkg/eventstore"
	"github.com/llmbatch/llmbatch/pkg/llm"
	"github.com/llmbatch/llmbatch/pkg/models"
)

type eventStore interface {
	Get(ctx context.Context, messageID string) (*models.Event, error)
	Transition(ctx context.Context, messageID string, fromExpected, to models.TaskStatus, patch *models.EventPatch) error
	FindCachedCompletion(ctx context.Context, bodyHash string) (*models.Event, error)
}

type invoker interface {
	Invoke(ctx context.Context, method, url string, body map[string]any, apiKey string) (*llm.Result, error)
}

// outcome tells the worker what to do with the delivery.
type outcome int

const (
	// outcomeAck: the task reached a durable terminal state or is moot.
	outcomeAck outcome = iota
	// outcomeRequeue: transient failure before a durable terminal write.
	outcomeRequeue
	// outcomeDrop: the delivery can never succeed (malformed message).
	outcomeDrop
)

// Executor processes one task end to end. Stateless; shared by all workers.
type Executor struct {
	store    eventStore
	upstream invoker
}

// NewExecutor wires the task execution path.
func NewExecutor(store eventStore, upstream invoker) *Executor {
	return &Executor{store: store, upstream: upstream}
}

// Execute drives one task through PENDING -> PROCESSING -> terminal.
// redelivered marks messages the broker handed out before; those may find
// their event already claimed by a worker that died mid-flight.
func (e *Executor) Execute(ctx context.Context, msg *models.TaskMessage, redelivered bool) outcome {
	if msg.MessageID == "" || msg.Payload == nil {
		slog.Error("Dropping task message without id or payload")
		return outcomeDrop
	}
	log := slog.With("message_id", msg.MessageID, "batch_id", msg.BatchID)

	started := time.Now().UTC()
	claim := &models.EventPatch{StartedAt: &started}
	err := e.store.Transition(ctx, msg.MessageID, models.StatusPending, models.StatusProcessing, claim)
	switch {
	case err == nil:
	case errors.Is(err, eventstore.ErrNotFound):
		// Deleted between publish and delivery, nothing left to run.
		log.Info("Task event no longer exists, dropping")
		return outcomeAck
	case errors.Is(err, eventstore.ErrConflict):
		resume, out := e.resolveConflict(ctx, msg.MessageID, redelivered, log)
		if !resume {
			return out
		}
	default:
		log.Error("Failed to claim task", "error", err)
		return outcomeRequeue
	}

	bodyHash := models.BodyHash(msg.Payload.Body)
	if cached, err := e.store.FindCachedCompletion(ctx, bodyHash); err != nil {
		// Cache lookup errors degrade to a live call.
		log.Warn("Cache lookup failed, invoking upstream", "error", err)
	} else if cached != nil {
		return e.completeFromCache(ctx, msg.MessageID, started, cached, log)
	}

	res, invErr := e.upstream.Invoke(ctx, msg.Payload.Method, msg.Payload.URL, msg.Payload.Body, msg.Payload.APIKey)
	if invErr != nil {
		return e.fail(ctx, msg.MessageID, started, invErr, log)
	}
	return e.complete(ctx, msg.MessageID, started, res, log)
}

// resolveConflict handles a claim that lost the PENDING check. Terminal
// events are duplicate deliveries and acked away. A redelivered message for
// a PROCESSING event means the previous holder died without a terminal
// write; the task is resumed rather than orphaned.
func (e *Executor) resolveConflict(ctx context.Context, messageID string, redelivered bool, log *slog.Logger) (resume bool, out outcome) {
	ev, err := e.store.Get(ctx, messageID)
	if err != nil {
		if errors.Is(err, eventstore.ErrNotFound) {
			return false, outcomeAck
		}
		log.Error("Failed to inspect conflicting task", "error", err)
		return false, outcomeRequeue
	}
	if ev.Status == models.StatusProcessing && redelivered {
		log.Info("Resuming task abandoned mid-flight")
		return true, outcomeAck
	}
	log.Info("Task already claimed, dropping duplicate delivery", "status", ev.Status)
	return false, outcomeAck
}

// completeFromCache copies a prior completion. Cached results carry zero
// tokens so usage accounting reflects real upstream work only.
func (e *Executor) completeFromCache(ctx context.Context, messageID string, started time.Time, cached *models.Event, log *slog.Logger) outcome {
	now := time.Now().UTC()
	duration := now.Sub(started).Milliseconds()
	zero := 0
	isCached := true
	patch := &models.EventPatch{
		StartedAt:        &started,
		CompletedAt:      &now,
		Duration:         &duration,
		Completions:      cached.Completions,
		Cached:           &isCached,
		PromptTokens:     &zero,
		CompletionTokens: &zero,
		TotalTokens:      &zero,
	}
	log.Info("Task served from cache", "source_message_id", cached.MessageID)
	return e.finish(ctx, messageID, models.StatusCompleted, patch, log)
}

func (e *Executor) complete(ctx context.Context, messageID string, started time.Time, res *llm.Result, log *slog.Logger) outcome {
	now := time.Now().UTC()
	duration := now.Sub(started).Milliseconds()
	isCached := false
	patch := &models.EventPatch{
		StartedAt:        &started,
		CompletedAt:      &now,
		Duration:         &duration,
		Completions:      res.Completions,
		Cached:           &isCached,
		PromptTokens:     &res.Usage.PromptTokens,
		CompletionTokens: &res.Usage.CompletionTokens,
		TotalTokens:      &res.Usage.TotalTokens,
		Attempt:          &res.Attempts,
	}
	log.Info("Task completed", "duration_ms", duration, "total_tokens", res.Usage.TotalTokens)
	return e.finish(ctx, messageID, models.StatusCompleted, patch, log)
}

func (e *Executor) fail(ctx context.Context, messageID string, started time.Time, invErr error, log *slog.Logger) outcome {
	now := time.Now().UTC()
	duration := now.Sub(started).Milliseconds()

	result := map[string]any{"error": invErr.Error()}
	patch := &models.EventPatch{
		StartedAt:   &started,
		CompletedAt: &now,
		Duration:    &duration,
		Result:      result,
	}
	var ie *llm.InvokeError
	if errors.As(invErr, &ie) {
		if ie.StatusCode > 0 {
			result["status_code"] = ie.StatusCode
		}
		if ie.Attempts > 0 {
			patch.Attempt = &ie.Attempts
		}
	}
	log.Warn("Task failed", "duration_ms", duration, "error", invErr)
	return e.finish(ctx, messageID, models.StatusFailed, patch, log)
}

// finish writes the terminal state. Only a durable write earns an ack; the
// broker redelivers everything else. Terminal patches carry started_at
// alongside completed_at and duration: a resumed task replaces a dead
// worker's claim timestamp, keeping duration equal to the stored window.
func (e *Executor) finish(ctx context.Context, messageID string, to models.TaskStatus, patch *models.EventPatch, log *slog.Logger) outcome {
	err := e.store.Transition(ctx, messageID, models.StatusProcessing, to, patch)
	switch {
	case err == nil:
		return outcomeAck
	case errors.Is(err, eventstore.ErrNotFound):
		return outcomeAck
	case errors.Is(err, eventstore.ErrConflict):
		// Someone else finished it; our work is redundant, not lost.
		log.Warn("Terminal write lost a conflict, dropping duplicate")
		return outcomeAck
	default:
		log.Error("Failed to persist terminal state, requeueing", "error", err)
		return outcomeRequeue
	}
}
