// Package cron provides the persistent recurring job queue. Jobs live in a
// shared SQLite table so multiple OS processes can poll safely; the only
// cross-process mutual exclusion point is AcquireDueJobs' immediate-mode
// claim transaction.
package cron

import (
	"encoding/json"
	"time"

	robfig "github.com/robfig/cron/v3"

	"github.com/Clukay-Fun/OmniAgent/errors"
)

// Status represents the current state of a cron job.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusExecuting Status = "EXECUTING"
	StatusWaiting   Status = "WAITING"
	StatusPaused    Status = "PAUSED"
	StatusCancelled Status = "CANCELLED"
)

// IsValidStatus returns true if the status string is a valid Status.
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusActive, StatusExecuting, StatusWaiting, StatusPaused, StatusCancelled:
		return true
	default:
		return false
	}
}

// Job is one recurring scheduled unit of work.
type Job struct {
	JobID                  string          `json:"job_id"`
	CronExpr               string          `json:"cron_expr"`
	Payload                json.RawMessage `json:"payload,omitempty"`
	Status                 Status          `json:"status"`
	NextRunAt              time.Time       `json:"next_run_at"`
	ConsecutiveFailures    int             `json:"consecutive_failures"`
	MaxConsecutiveFailures int             `json:"max_consecutive_failures"`
	ExecutionCount         int             `json:"execution_count"`
	LastRunAt              *time.Time      `json:"last_run_at,omitempty"`
	LastSuccessAt          *time.Time      `json:"last_success_at,omitempty"`
	LastFailureAt          *time.Time      `json:"last_failure_at,omitempty"`
	LastError              string          `json:"last_error,omitempty"`
	PauseReason            string          `json:"pause_reason,omitempty"`
	PausedAt               *time.Time      `json:"paused_at,omitempty"`
	CancelRequested        bool            `json:"cancel_requested,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

var cronParser = robfig.NewParser(
	robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow | robfig.Descriptor,
)

// ValidateExpr checks a cron expression at schedule time so bad expressions
// are rejected before they reach the queue.
func ValidateExpr(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return errors.Wrapf(err, "invalid cron expression %q", expr)
	}
	return nil
}

// NextAfter computes the next run time of a cron expression after t.
func NextAfter(expr string, t time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid cron expression %q", expr)
	}
	return sched.Next(t), nil
}
