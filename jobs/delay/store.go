package delay

import (
	"context"
	"database/sql"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Clukay-Fun/OmniAgent/errors"
)

// Store persists delayed tasks in SQLite. Like the cron store it is safe to
// share across processes: the claim path runs inside an immediate-mode
// transaction and every transition is guarded by the expected status.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewStore creates a delayed task store backed by the given database.
func NewStore(db *sql.DB, logger *zap.SugaredLogger) *Store {
	return &Store{db: db, logger: logger}
}

const taskColumns = `task_id, rule_id, trigger_at, payload, status,
	executed_at, error_detail, created_at, updated_at`

// ScheduleTask inserts a new SCHEDULED task. A duplicate task id is a
// conflict; trigger times in the past are accepted and fire on the next poll.
func (s *Store) ScheduleTask(task *Task) error {
	if task.TaskID == "" {
		return errors.NewInvalidRequestError("task id is required")
	}
	if task.TriggerAt.IsZero() {
		return errors.NewInvalidRequestError("trigger time is required")
	}

	now := time.Now().UTC()
	task.Status = StatusScheduled
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO delayed_tasks (task_id, rule_id, trigger_at, payload, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.TaskID, task.RuleID, formatTime(task.TriggerAt), string(task.Payload),
		string(task.Status), formatTime(now), formatTime(now))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return errors.NewConflictError("task %s already scheduled", task.TaskID)
		}
		return errors.Wrapf(err, "failed to schedule task %s", task.TaskID)
	}

	s.logger.Infow("Delayed task scheduled",
		"task_id", task.TaskID,
		"rule_id", task.RuleID,
		"trigger_at", task.TriggerAt)
	return nil
}

// Restore inserts a task row verbatim, preserving status and timestamps.
// Used by the legacy queue-file import.
func (s *Store) Restore(task *Task) error {
	if task.TaskID == "" {
		return errors.NewInvalidRequestError("task id is required")
	}
	switch task.Status {
	case StatusScheduled, StatusExecuting, StatusCompleted, StatusFailed, StatusCancelled:
	default:
		return errors.NewInvalidRequestError("invalid task status %q", task.Status)
	}

	var executedAt interface{}
	if task.ExecutedAt != nil {
		executedAt = formatTime(*task.ExecutedAt)
	}
	_, err := s.db.Exec(`
		INSERT INTO delayed_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.TaskID, task.RuleID, formatTime(task.TriggerAt), string(task.Payload),
		string(task.Status), executedAt, task.ErrorDetail,
		formatTime(task.CreatedAt), formatTime(task.UpdatedAt))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return errors.NewConflictError("task %s already exists", task.TaskID)
		}
		return errors.Wrapf(err, "failed to restore task %s", task.TaskID)
	}
	return nil
}

// GetTask returns one task by id.
func (s *Store) GetTask(taskID string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM delayed_tasks WHERE task_id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("task %s not found", taskID)
	}
	return task, err
}

// GetDueTasks returns due SCHEDULED tasks without claiming them. Read-only:
// useful for inspection, never for dispatch. Dispatchers must use
// ClaimDueTasks or two pollers will fire the same task twice.
func (s *Store) GetDueTasks(now time.Time, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT `+taskColumns+` FROM delayed_tasks
		WHERE status = ? AND trigger_at <= ?
		ORDER BY trigger_at, created_at, task_id
		LIMIT ?`,
		string(StatusScheduled), formatTime(now.UTC()), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query due tasks")
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ClaimDueTasks atomically claims up to limit due SCHEDULED tasks by
// flipping them to EXECUTING inside a single immediate-mode transaction.
// Each due task is returned to exactly one caller across all processes.
func (s *Store) ClaimDueTasks(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	nowStr := formatTime(now.UTC())

	var claimed []*Task
	err := withImmediateTx(ctx, s.db, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT task_id FROM delayed_tasks
			WHERE status = ? AND trigger_at <= ?
			ORDER BY trigger_at, created_at, task_id
			LIMIT ?`,
			string(StatusScheduled), nowStr, limit)
		if err != nil {
			return errors.Wrap(err, "failed to select due tasks")
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return errors.Wrap(err, "failed to scan task id")
			}
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return errors.Wrap(err, "failed to read due tasks")
		}

		for _, id := range ids {
			if _, err := conn.ExecContext(ctx, `
				UPDATE delayed_tasks SET status = ?, updated_at = ?
				WHERE task_id = ? AND status = ?`,
				string(StatusExecuting), nowStr, id, string(StatusScheduled)); err != nil {
				return errors.Wrapf(err, "failed to claim task %s", id)
			}
			row := conn.QueryRowContext(ctx,
				`SELECT `+taskColumns+` FROM delayed_tasks WHERE task_id = ?`, id)
			task, err := scanTask(row)
			if err != nil {
				return errors.Wrapf(err, "failed to load claimed task %s", id)
			}
			claimed = append(claimed, task)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkExecuting transitions one SCHEDULED task to EXECUTING. Callers that
// dispatch from GetDueTasks use this as their claim; false means another
// worker got there first.
func (s *Store) MarkExecuting(taskID string, now time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE delayed_tasks SET status = ?, updated_at = ?
		WHERE task_id = ? AND status = ?`,
		string(StatusExecuting), formatTime(now.UTC()),
		taskID, string(StatusScheduled))
	if err != nil {
		return false, errors.Wrapf(err, "failed to mark task %s executing", taskID)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkCompleted finalizes a task as COMPLETED. Accepted from EXECUTING (the
// normal path) or directly from SCHEDULED for callers that dispatch without
// a claim pass. Returns false if the task was already terminal.
func (s *Store) MarkCompleted(taskID string, executedAt time.Time) (bool, error) {
	return s.finalize(taskID, StatusCompleted, "", executedAt)
}

// MarkFailed finalizes a task as FAILED with an error detail.
func (s *Store) MarkFailed(taskID, detail string, executedAt time.Time) (bool, error) {
	return s.finalize(taskID, StatusFailed, detail, executedAt)
}

func (s *Store) finalize(taskID string, to Status, detail string, executedAt time.Time) (bool, error) {
	nowStr := formatTime(executedAt.UTC())
	res, err := s.db.Exec(`
		UPDATE delayed_tasks SET status = ?, executed_at = ?, error_detail = ?, updated_at = ?
		WHERE task_id = ? AND status IN (?, ?)`,
		string(to), nowStr, detail, nowStr,
		taskID, string(StatusScheduled), string(StatusExecuting))
	if err != nil {
		return false, errors.Wrapf(err, "failed to mark task %s %s", taskID, to)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Cancel cancels a task that has not started executing. Returns false when
// the task is already executing or terminal.
func (s *Store) Cancel(taskID string, now time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE delayed_tasks SET status = ?, updated_at = ?
		WHERE task_id = ? AND status = ?`,
		string(StatusCancelled), formatTime(now.UTC()),
		taskID, string(StatusScheduled))
	if err != nil {
		return false, errors.Wrapf(err, "failed to cancel task %s", taskID)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Infow("Delayed task cancelled", "task_id", taskID)
	}
	return n > 0, nil
}

// CleanupOld deletes terminal tasks older than the retention window,
// measured from executed_at when set and created_at otherwise. Returns the
// number of rows removed.
func (s *Store) CleanupOld(now time.Time, retention time.Duration) (int, error) {
	cutoff := formatTime(now.Add(-retention).UTC())
	res, err := s.db.Exec(`
		DELETE FROM delayed_tasks
		WHERE status IN (?, ?, ?)
		AND COALESCE(executed_at, created_at) < ?`,
		string(StatusCompleted), string(StatusFailed), string(StatusCancelled),
		cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up old tasks")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Infow("Old delayed tasks removed", "count", n, "retention", retention)
	}
	return int(n), nil
}

// ListTasks returns tasks ordered by trigger time. Pass an empty status to
// list all tasks.
func (s *Store) ListTasks(status Status, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + taskColumns + ` FROM delayed_tasks`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY trigger_at, task_id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tasks")
	}
	defer rows.Close()
	return collectTasks(rows)
}

// withImmediateTx runs fn inside a BEGIN IMMEDIATE transaction on a
// dedicated connection, taking SQLite's write lock before the candidate
// SELECT so the read-then-update claim cannot race another process.
func withImmediateTx(ctx context.Context, db *sql.DB, fn func(conn *sql.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to acquire connection")
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return errors.Wrap(err, "failed to begin immediate transaction")
	}
	if err := fn(conn); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task                 Task
		ruleID, payload      sql.NullString
		status               string
		triggerAt            string
		executedAt           sql.NullString
		errorDetail          sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&task.TaskID, &ruleID, &triggerAt, &payload, &status,
		&executedAt, &errorDetail, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	task.RuleID = ruleID.String
	task.Status = Status(status)
	if payload.Valid && payload.String != "" {
		task.Payload = []byte(payload.String)
	}
	task.TriggerAt = parseTime(triggerAt)
	task.CreatedAt = parseTime(createdAt)
	task.UpdatedAt = parseTime(updatedAt)
	task.ErrorDetail = errorDetail.String
	if executedAt.Valid && executedAt.String != "" {
		if t, err := time.Parse(time.RFC3339, executedAt.String); err == nil {
			task.ExecutedAt = &t
		}
	}
	return &task, nil
}

func collectTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, errors.Wrap(rows.Err(), "failed to iterate tasks")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}
