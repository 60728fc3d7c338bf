package models

import (
	"fmt"
	"strings"
)

// TaskStatus is the lifecycle state of a single task event.
type TaskStatus string

// Task status constants. Transitions form a DAG:
// PENDING → PROCESSING → {COMPLETED, FAILED}. FAILED may re-enter
// PROCESSING only through the explicit retry path.
const (
	StatusPending    TaskStatus = "PENDING"
	StatusProcessing TaskStatus = "PROCESSING"
	StatusCompleted  TaskStatus = "COMPLETED"
	StatusFailed     TaskStatus = "FAILED"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ParseTaskStatus validates a caller-supplied status string. Matching is
// case-insensitive.
func ParseTaskStatus(v string) (TaskStatus, error) {
	s := TaskStatus(strings.ToUpper(v))
	if !s.Valid() {
		return "", fmt.Errorf("unknown task status %q", v)
	}
	return s, nil
}
