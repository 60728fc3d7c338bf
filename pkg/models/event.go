package models

import "time"

// Event is the durable record of a single task's lifecycle. It is stored as
// one document per message_id in the event store; all fields except the
// identifiers are mutated exclusively by the execution worker until the
// status becomes terminal.
type Event struct {
	MessageID string `json:"message_id"`
	BatchID   string `json:"batch_id,omitempty"`
	CustomID  string `json:"custom_id,omitempty"`

	Method string `json:"method,omitempty"`
	URL    string `json:"url,omitempty"`
	// Body is the structural request payload. Its schema is validated only
	// at the ingest boundary; here it stays a free-form document.
	Body     map[string]any `json:"body,omitempty"`
	BodyHash string         `json:"body_hash,omitempty"`

	Status  TaskStatus     `json:"status"`
	Cached  bool           `json:"cached"`
	Attempt int            `json:"attempt"`
	Result  map[string]any `json:"result,omitempty"`
	// Completions is the raw upstream response on success.
	Completions map[string]any `json:"completions,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Duration is completed_at − started_at in milliseconds.
	Duration *int64 `json:"duration,omitempty"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	Dataset string         `json:"dataset,omitempty"`
	Source  map[string]any `json:"source,omitempty"`
}

// EventPatch carries the fields a state transition may set. Nil pointers
// leave the stored value untouched.
type EventPatch struct {
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Duration    *int64         `json:"duration,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Completions map[string]any `json:"completions,omitempty"`

	PromptTokens     *int  `json:"prompt_tokens,omitempty"`
	CompletionTokens *int  `json:"completion_tokens,omitempty"`
	TotalTokens      *int  `json:"total_tokens,omitempty"`
	Cached           *bool `json:"cached,omitempty"`
	Attempt          *int  `json:"attempt,omitempty"`
}

// TaskPage is a bounded page of events plus the unbounded total.
type TaskPage struct {
	Tasks    []*Event `json:"tasks"`
	Total    int      `json:"total"`
	Page     int      `json:"page"`
	PageSize int      `json:"page_size"`
}

// ExportChunk is one line of an NDJSON export stream.
type ExportChunk struct {
	Tasks []*Event `json:"tasks"`
	Total int      `json:"total"`
}
