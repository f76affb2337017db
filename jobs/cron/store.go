package cron

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Clukay-Fun/OmniAgent/errors"
)

// Store persists cron jobs in SQLite. All state transitions are conditional
// UPDATEs guarded by the expected current status, so concurrent pollers in
// separate processes cannot double-apply a transition.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewStore creates a cron job store backed by the given database.
func NewStore(db *sql.DB, logger *zap.SugaredLogger) *Store {
	return &Store{db: db, logger: logger}
}

const jobColumns = `job_id, cron_expr, payload, status, next_run_at,
	consecutive_failures, max_consecutive_failures, execution_count,
	last_run_at, last_success_at, last_failure_at, last_error,
	pause_reason, paused_at, cancel_requested, created_at, updated_at`

// Schedule inserts a new job. An empty status defaults to ACTIVE; WAITING is
// also accepted for jobs that should sit out until ActivateWaiting promotes
// them. The first run time is computed from the cron expression; a duplicate
// job id is a conflict.
func (s *Store) Schedule(job *Job) error {
	if job.JobID == "" {
		return errors.NewInvalidRequestError("job id is required")
	}
	if err := ValidateExpr(job.CronExpr); err != nil {
		return err
	}
	switch job.Status {
	case "":
		job.Status = StatusActive
	case StatusActive, StatusWaiting:
	default:
		return errors.NewInvalidRequestError("jobs cannot be scheduled in status %s", job.Status)
	}

	now := time.Now().UTC()
	if job.NextRunAt.IsZero() {
		next, err := NextAfter(job.CronExpr, now)
		if err != nil {
			return err
		}
		job.NextRunAt = next
	}
	if job.MaxConsecutiveFailures <= 0 {
		job.MaxConsecutiveFailures = 5
	}
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO cron_jobs (job_id, cron_expr, payload, status, next_run_at,
			max_consecutive_failures, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, job.CronExpr, string(job.Payload), string(job.Status),
		formatTime(job.NextRunAt), job.MaxConsecutiveFailures,
		formatTime(now), formatTime(now))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return errors.NewConflictError("job %s already scheduled", job.JobID)
		}
		return errors.Wrapf(err, "failed to schedule job %s", job.JobID)
	}

	s.logger.Infow("Cron job scheduled",
		"job_id", job.JobID,
		"cron_expr", job.CronExpr,
		"next_run_at", job.NextRunAt)
	return nil
}

// Restore inserts a job row verbatim, preserving status, counters and
// timestamps. Used by the legacy queue-file import; Schedule is the normal
// entry point. An existing job id is a conflict.
func (s *Store) Restore(job *Job) error {
	if job.JobID == "" {
		return errors.NewInvalidRequestError("job id is required")
	}
	if !IsValidStatus(string(job.Status)) {
		return errors.NewInvalidRequestError("invalid job status %q", job.Status)
	}
	if job.MaxConsecutiveFailures <= 0 {
		job.MaxConsecutiveFailures = 5
	}

	_, err := s.db.Exec(`
		INSERT INTO cron_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, job.CronExpr, string(job.Payload), string(job.Status),
		formatTime(job.NextRunAt),
		job.ConsecutiveFailures, job.MaxConsecutiveFailures, job.ExecutionCount,
		formatNullTime(job.LastRunAt), formatNullTime(job.LastSuccessAt),
		formatNullTime(job.LastFailureAt), nullString(job.LastError),
		nullString(job.PauseReason), formatNullTime(job.PausedAt),
		boolToInt(job.CancelRequested),
		formatTime(job.CreatedAt), formatTime(job.UpdatedAt))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return errors.NewConflictError("job %s already exists", job.JobID)
		}
		return errors.Wrapf(err, "failed to restore job %s", job.JobID)
	}
	return nil
}

// GetJob returns one job by id.
func (s *Store) GetJob(jobID string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM cron_jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %s not found", jobID)
	}
	return job, err
}

// ActivateWaiting promotes WAITING jobs whose next run time has arrived back
// to ACTIVE so the next claim pass can pick them up. Returns the number of
// jobs activated.
func (s *Store) ActivateWaiting(now time.Time) (int, error) {
	res, err := s.db.Exec(`
		UPDATE cron_jobs SET status = ?, updated_at = ?
		WHERE status = ? AND next_run_at <= ?`,
		string(StatusActive), formatTime(now.UTC()),
		string(StatusWaiting), formatTime(now.UTC()))
	if err != nil {
		return 0, errors.Wrap(err, "failed to activate waiting jobs")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// AcquireDueJobs atomically claims up to limit due ACTIVE jobs by flipping
// them to EXECUTING inside a single immediate-mode transaction. Two pollers
// racing on the same database can never claim the same job: the write lock
// is taken up front, before the candidate SELECT.
func (s *Store) AcquireDueJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 10
	}
	nowStr := formatTime(now.UTC())

	var claimed []*Job
	err := withImmediateTx(ctx, s.db, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT job_id FROM cron_jobs
			WHERE status = ? AND next_run_at <= ?
			ORDER BY next_run_at, created_at, job_id
			LIMIT ?`,
			string(StatusActive), nowStr, limit)
		if err != nil {
			return errors.Wrap(err, "failed to select due jobs")
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return errors.Wrap(err, "failed to scan job id")
			}
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return errors.Wrap(err, "failed to read due jobs")
		}

		for _, id := range ids {
			if _, err := conn.ExecContext(ctx, `
				UPDATE cron_jobs SET status = ?, last_run_at = ?, updated_at = ?
				WHERE job_id = ? AND status = ?`,
				string(StatusExecuting), nowStr, nowStr,
				id, string(StatusActive)); err != nil {
				return errors.Wrapf(err, "failed to claim job %s", id)
			}
			row := conn.QueryRowContext(ctx,
				`SELECT `+jobColumns+` FROM cron_jobs WHERE job_id = ?`, id)
			job, err := scanJob(row)
			if err != nil {
				return errors.Wrapf(err, "failed to load claimed job %s", id)
			}
			claimed = append(claimed, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkSuccess records a successful run: the job returns to WAITING with the
// failure counter reset and error/pause fields cleared. If cancellation was
// requested mid-run the job finalizes to CANCELLED instead. Returns false if
// the job was not in EXECUTING status.
func (s *Store) MarkSuccess(jobID string, nextRunAt, executedAt time.Time) (bool, error) {
	nowStr := formatTime(executedAt.UTC())

	if done, err := s.finalizeCancel(jobID, nowStr, ""); done || err != nil {
		return done, err
	}

	res, err := s.db.Exec(`
		UPDATE cron_jobs SET
			status = ?,
			next_run_at = ?,
			consecutive_failures = 0,
			execution_count = execution_count + 1,
			last_success_at = ?,
			last_error = NULL,
			pause_reason = NULL,
			paused_at = NULL,
			updated_at = ?
		WHERE job_id = ? AND status = ?`,
		string(StatusWaiting), formatTime(nextRunAt.UTC()),
		nowStr, nowStr, jobID, string(StatusExecuting))
	if err != nil {
		return false, errors.Wrapf(err, "failed to mark job %s success", jobID)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkFailure records a failed run: the failure counter increments and the
// job either returns to WAITING or, once the counter reaches its threshold,
// pauses with a reason. A positive threshold overrides the row-persisted
// max_consecutive_failures. A mid-run cancellation request wins over both.
// Returns false if the job was not in EXECUTING status.
func (s *Store) MarkFailure(jobID string, nextRunAt time.Time, detail string, threshold int, executedAt time.Time) (bool, error) {
	nowStr := formatTime(executedAt.UTC())

	if done, err := s.finalizeCancel(jobID, nowStr, detail); done || err != nil {
		return done, err
	}

	var transitioned bool
	err := withImmediateTx(context.Background(), s.db, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(context.Background(), `
			SELECT consecutive_failures, max_consecutive_failures
			FROM cron_jobs WHERE job_id = ? AND status = ?`,
			jobID, string(StatusExecuting))
		var failures, rowThreshold int
		if err := row.Scan(&failures, &rowThreshold); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return errors.Wrapf(err, "failed to read job %s", jobID)
		}
		failures++
		if threshold <= 0 {
			threshold = rowThreshold
		}

		if failures >= threshold {
			_, err := conn.ExecContext(context.Background(), `
				UPDATE cron_jobs SET
					status = ?,
					consecutive_failures = ?,
					last_failure_at = ?,
					last_error = ?,
					pause_reason = ?,
					paused_at = ?,
					updated_at = ?
				WHERE job_id = ? AND status = ?`,
				string(StatusPaused), failures, nowStr, detail,
				pauseReason(failures), nowStr, nowStr,
				jobID, string(StatusExecuting))
			if err != nil {
				return errors.Wrapf(err, "failed to pause job %s", jobID)
			}
			s.logger.Warnw("Cron job auto-paused after repeated failures",
				"job_id", jobID,
				"consecutive_failures", failures,
				"last_error", detail)
		} else {
			_, err := conn.ExecContext(context.Background(), `
				UPDATE cron_jobs SET
					status = ?,
					next_run_at = ?,
					consecutive_failures = ?,
					last_failure_at = ?,
					last_error = ?,
					updated_at = ?
				WHERE job_id = ? AND status = ?`,
				string(StatusWaiting), formatTime(nextRunAt.UTC()),
				failures, nowStr, detail, nowStr,
				jobID, string(StatusExecuting))
			if err != nil {
				return errors.Wrapf(err, "failed to mark job %s failure", jobID)
			}
		}
		transitioned = true
		return nil
	})
	return transitioned, err
}

// finalizeCancel completes a deferred cancellation: a job whose cancellation
// was requested while EXECUTING becomes CANCELLED when its run finishes,
// regardless of the run outcome.
func (s *Store) finalizeCancel(jobID, nowStr, detail string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE cron_jobs SET
			status = ?,
			cancel_requested = 0,
			last_error = CASE WHEN ? != '' THEN ? ELSE last_error END,
			updated_at = ?
		WHERE job_id = ? AND status = ? AND cancel_requested = 1`,
		string(StatusCancelled), detail, detail, nowStr,
		jobID, string(StatusExecuting))
	if err != nil {
		return false, errors.Wrapf(err, "failed to finalize cancellation of job %s", jobID)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Infow("Cron job cancelled after in-flight run", "job_id", jobID)
		return true, nil
	}
	return false, nil
}

// Resume reactivates a PAUSED job, clearing the failure counter and pause
// fields. The next run time never lands in the past: a long-paused job runs
// on its next natural slot, not immediately N times. Returns false if the
// job was not paused.
func (s *Store) Resume(jobID string, now time.Time) (bool, error) {
	nowStr := formatTime(now.UTC())
	res, err := s.db.Exec(`
		UPDATE cron_jobs SET
			status = ?,
			consecutive_failures = 0,
			last_error = NULL,
			pause_reason = NULL,
			paused_at = NULL,
			next_run_at = CASE WHEN next_run_at < ? THEN ? ELSE next_run_at END,
			updated_at = ?
		WHERE job_id = ? AND status = ?`,
		string(StatusActive), nowStr, nowStr, nowStr,
		jobID, string(StatusPaused))
	if err != nil {
		return false, errors.Wrapf(err, "failed to resume job %s", jobID)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Infow("Cron job resumed", "job_id", jobID)
	}
	return n > 0, nil
}

// Cancel removes a job from future scheduling. An EXECUTING job finishes its
// in-flight run first: cancellation is recorded as a request and applied when
// the run completes. Returns false only when the job was already cancelled.
func (s *Store) Cancel(jobID string, now time.Time) (bool, error) {
	nowStr := formatTime(now.UTC())

	res, err := s.db.Exec(`
		UPDATE cron_jobs SET cancel_requested = 1, updated_at = ?
		WHERE job_id = ? AND status = ?`,
		nowStr, jobID, string(StatusExecuting))
	if err != nil {
		return false, errors.Wrapf(err, "failed to request cancellation of job %s", jobID)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Infow("Cron job cancellation deferred until run completes", "job_id", jobID)
		return true, nil
	}

	res, err = s.db.Exec(`
		UPDATE cron_jobs SET status = ?, updated_at = ?
		WHERE job_id = ? AND status NOT IN (?, ?)`,
		string(StatusCancelled), nowStr, jobID,
		string(StatusCancelled), string(StatusExecuting))
	if err != nil {
		return false, errors.Wrapf(err, "failed to cancel job %s", jobID)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Infow("Cron job cancelled", "job_id", jobID)
	}
	return n > 0, nil
}

// ListJobs returns jobs ordered by next run time, most imminent first.
// Pass an empty status to list all jobs.
func (s *Store) ListJobs(status Status, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + jobColumns + ` FROM cron_jobs`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY next_run_at, job_id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, errors.Wrap(rows.Err(), "failed to iterate jobs")
}

// withImmediateTx runs fn inside a BEGIN IMMEDIATE transaction on a
// dedicated connection. database/sql's Begin starts a deferred transaction,
// which under WAL can upgrade to a write lock mid-transaction and fail with
// SQLITE_BUSY after reads have happened; taking the write lock up front
// makes the claim read-then-update race-free across processes.
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

func pauseReason(failures int) string {
	return fmt.Sprintf("auto-paused after %d consecutive failures", failures)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                                     Job
		payload                                 sql.NullString
		status                                  string
		nextRunAt, createdAt, updatedAt         string
		lastRunAt, lastSuccessAt, lastFailureAt sql.NullString
		lastError, pauseReason, pausedAt        sql.NullString
		cancelRequested                         int
	)
	err := row.Scan(&job.JobID, &job.CronExpr, &payload, &status, &nextRunAt,
		&job.ConsecutiveFailures, &job.MaxConsecutiveFailures, &job.ExecutionCount,
		&lastRunAt, &lastSuccessAt, &lastFailureAt, &lastError,
		&pauseReason, &pausedAt, &cancelRequested, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	job.Status = Status(status)
	if payload.Valid && payload.String != "" {
		job.Payload = []byte(payload.String)
	}
	job.NextRunAt = parseTime(nextRunAt)
	job.CreatedAt = parseTime(createdAt)
	job.UpdatedAt = parseTime(updatedAt)
	job.LastRunAt = parseNullTime(lastRunAt)
	job.LastSuccessAt = parseNullTime(lastSuccessAt)
	job.LastFailureAt = parseNullTime(lastFailureAt)
	job.LastError = lastError.String
	job.PauseReason = pauseReason.String
	job.PausedAt = parseNullTime(pausedAt)
	job.CancelRequested = cancelRequested != 0
	return &job, nil
}

// Timestamps are stored as RFC3339 UTC strings so SQLite's lexical string
// comparison orders them chronologically.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func formatNullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}
