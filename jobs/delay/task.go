// Package delay provides the persistent one-shot task queue: fire this
// payload once at (or after) its trigger time, then keep the row as an
// execution record until retention cleanup removes it.
package delay

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a delayed task.
type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusExecuting Status = "EXECUTING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Task is one delayed unit of work.
type Task struct {
	TaskID      string          `json:"task_id"`
	RuleID      string          `json:"rule_id,omitempty"`
	TriggerAt   time.Time       `json:"trigger_at"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      Status          `json:"status"`
	ExecutedAt  *time.Time      `json:"executed_at,omitempty"`
	ErrorDetail string          `json:"error_detail,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
