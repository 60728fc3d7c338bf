package models

// BatchJobMessage is the broker document on the batch_jobs queue. It points
// the ingestion worker at a staged JSONL blob; it carries no task data.
type BatchJobMessage struct {
	BatchID         string `json:"batch_id"`
	ObjectName      string `json:"object_name"`
	BucketName      string `json:"bucket_name"`
	UploadTimestamp string `json:"upload_timestamp"`
}

// TaskMessage is the broker document on the tasks queue. The event store is
// the source of truth; this is a routing message keyed by message_id.
type TaskMessage struct {
	MessageID string          `json:"message_id"`
	BatchID   string          `json:"batch_id,omitempty"`
	Timestamp string          `json:"timestamp"`
	Payload   *TaskSubmission `json:"payload"`
}

// TaskSubmission is one JSONL input line. Schema is enforced here, at the
// ingest boundary, and nowhere else.
type TaskSubmission struct {
	CustomID string         `json:"custom_id"`
	Method   string         `json:"method"`
	URL      string         `json:"url"`
	Body     map[string]any `json:"body"`

	Dataset string         `json:"dataset,omitempty"`
	Source  map[string]any `json:"source,omitempty"`
	APIKey  string         `json:"api_key,omitempty"`
}

// Validate checks the required submission fields.
func (t *TaskSubmission) Validate() error {
	switch {
	case t.CustomID == "":
		return &FieldError{Field: "custom_id", Message: "is required"}
	case t.Method == "":
		return &FieldError{Field: "method", Message: "is required"}
	case t.URL == "":
		return &FieldError{Field: "url", Message: "is required"}
	case t.Body == nil:
		return &FieldError{Field: "body", Message: "is required"}
	}
	return nil
}

// FieldError reports a single invalid or missing field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return "field " + e.Field + " " + e.Message
}
