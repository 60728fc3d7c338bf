package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveBatchStatus(t *testing.T) {
	tests := []struct {
		name                        string
		pending, processing, failed int
		want                        TaskStatus
	}{
		{"processing wins over everything", 3, 1, 2, StatusProcessing},
		{"pending wins over failed", 3, 0, 2, StatusPending},
		{"failed wins over completed", 0, 0, 1, StatusFailed},
		{"all terminal and clean", 0, 0, 0, StatusCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveBatchStatus(tt.pending, tt.processing, tt.failed))
		})
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestParseTaskStatus(t *testing.T) {
	s, err := ParseTaskStatus("COMPLETED")
	assert.NoError(t, err)
	assert.Equal(t, StatusCompleted, s)

	s, err = ParseTaskStatus("completed")
	assert.NoError(t, err)
	assert.Equal(t, StatusCompleted, s)

	_, err = ParseTaskStatus("done")
	assert.Error(t, err)
}

func TestTaskSubmissionValidate(t *testing.T) {
	valid := &TaskSubmission{
		CustomID: "c1",
		Method:   "POST",
		URL:      "https://api.example.com/v1/chat/completions",
		Body:     map[string]any{"model": "gpt-4"},
	}
	assert.NoError(t, valid.Validate())

	missing := &TaskSubmission{Method: "POST", URL: "x", Body: map[string]any{}}
	err := missing.Validate()
	assert.Error(t, err)
	var fe *FieldError
	assert.ErrorAs(t, err, &fe)
	assert.Equal(t, "custom_id", fe.Field)
}
