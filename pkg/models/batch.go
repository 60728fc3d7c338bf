package models

import "time"

// BatchStats is the aggregation of one batch's member events. A batch has no
// document of its own; these numbers are computed on demand from the event
// index.
type BatchStats struct {
	BatchID string `json:"batch_id"`

	// BatchStatus derives from member statuses by priority:
	// PROCESSING > PENDING > FAILED > COMPLETED.
	BatchStatus TaskStatus `json:"batch_status"`

	TotalTasks      int `json:"total_tasks"`
	CompletedTasks  int `json:"completed_tasks"`
	FailedTasks     int `json:"failed_tasks"`
	PendingTasks    int `json:"pending_tasks"`
	ProcessingTasks int `json:"processing_tasks"`
	CachedTasks     int `json:"cached_tasks"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Duration is max(completed_at) − min(created_at) in milliseconds.
	Duration *int64 `json:"duration,omitempty"`

	// Token counters sum over non-cached members only.
	TotalTokens      int `json:"total_tokens"`
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// DeriveBatchStatus applies the batch status priority formula to the
// per-status counts of a batch aggregation.
func DeriveBatchStatus(pending, processing, failed int) TaskStatus {
	switch {
	case processing > 0:
		return StatusProcessing
	case pending > 0:
		return StatusPending
	case failed > 0:
		return StatusFailed
	default:
		return StatusCompleted
	}
}

// BatchList is the rollup listing returned by GET /batches.
type BatchList struct {
	Batches []*BatchStats `json:"batches"`
	Total   int           `json:"total"`
}
