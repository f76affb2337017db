package delay

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Clukay-Fun/OmniAgent/errors"
)

// Runner executes the work a claimed task represents.
type Runner interface {
	RunDelayedTask(ctx context.Context, task *Task) error
}

// Scheduler drives the delayed task queue: each tick it claims due tasks,
// runs them, and finalizes the row as COMPLETED or FAILED. A retention
// sweep removes old terminal rows so the table stays bounded.
type Scheduler struct {
	store     *Store
	runner    Runner
	interval  time.Duration
	limit     int
	retention time.Duration
	logger    *zap.SugaredLogger

	// OnResult, when set, observes every completed run.
	OnResult func(task *Task, err error)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a delayed task scheduler. Retention bounds how long
// finished rows are kept; zero disables cleanup.
func NewScheduler(store *Store, runner Runner, interval time.Duration, claimLimit int, retention time.Duration, logger *zap.SugaredLogger) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if claimLimit <= 0 {
		claimLimit = 50
	}
	return &Scheduler{
		store:     store,
		runner:    runner,
		interval:  interval,
		limit:     claimLimit,
		retention: retention,
		logger:    logger,
	}
}

// Schedule adds a task to the queue after validating its trigger time.
func (s *Scheduler) Schedule(task *Task) error {
	if task.TriggerAt.IsZero() {
		return errors.NewInvalidRequestError("trigger time is required")
	}
	return s.store.ScheduleTask(task)
}

// Start launches the scheduling loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Infow("Delay scheduler started", "interval", s.interval)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Delay scheduler stopped")
				return
			case <-ticker.C:
				s.Tick(ctx, time.Now())
			}
		}
	}()
}

// Stop shuts down the scheduling loop and waits for any in-flight tick.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Tick performs one scheduling pass: claim due tasks, run each, finalize.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	tasks, err := s.store.ClaimDueTasks(ctx, now, s.limit)
	if err != nil {
		s.logger.Errorw("Failed to claim due tasks", "error", err)
		return
	}

	for _, task := range tasks {
		runErr := s.runner.RunDelayedTask(ctx, task)
		finished := time.Now()
		if runErr == nil {
			if _, err := s.store.MarkCompleted(task.TaskID, finished); err != nil {
				s.logger.Errorw("Failed to record task completion", "task_id", task.TaskID, "error", err)
			}
		} else {
			s.logger.Warnw("Delayed task run failed",
				"task_id", task.TaskID,
				"rule_id", task.RuleID,
				"error", runErr)
			if _, err := s.store.MarkFailed(task.TaskID, runErr.Error(), finished); err != nil {
				s.logger.Errorw("Failed to record task failure", "task_id", task.TaskID, "error", err)
			}
		}
		if s.OnResult != nil {
			s.OnResult(task, runErr)
		}
	}

	if s.retention > 0 {
		if _, err := s.store.CleanupOld(now, s.retention); err != nil {
			s.logger.Errorw("Retention cleanup failed", "error", err)
		}
	}
}
