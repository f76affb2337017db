package cron

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Runner executes the work a claimed job represents.
type Runner interface {
	RunCronJob(ctx context.Context, job *Job) error
}

// Poller drives the cron queue: each tick it promotes WAITING jobs whose
// slot has arrived, claims due ACTIVE jobs, runs them, and records the
// outcome. Multiple pollers may share one database; the claim transaction
// keeps them from running the same job twice.
type Poller struct {
	store    *Store
	runner   Runner
	interval time.Duration
	limit    int
	logger   *zap.SugaredLogger

	// OnResult, when set, observes every completed run. Used by the service
	// layer to push execution notifications; failures there never affect the
	// job state machine.
	OnResult func(job *Job, err error)

	// FailureThreshold, when positive, is the consecutive-failure count that
	// auto-pauses a job, overriding each row's persisted limit. Zero defers
	// to the row value.
	FailureThreshold int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a cron poller.
func NewPoller(store *Store, runner Runner, interval time.Duration, claimLimit int, logger *zap.SugaredLogger) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if claimLimit <= 0 {
		claimLimit = 10
	}
	return &Poller{
		store:    store,
		runner:   runner,
		interval: interval,
		limit:    claimLimit,
		logger:   logger,
	}
}

// Start launches the polling loop in a background goroutine.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.logger.Infow("Cron poller started", "interval", p.interval)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				p.logger.Info("Cron poller stopped")
				return
			case <-ticker.C:
				p.Tick(ctx, time.Now())
			}
		}
	}()
}

// Stop shuts down the polling loop and waits for any in-flight tick.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Tick performs one poll pass. Exposed so tests and the service layer can
// drive the queue without a running ticker.
func (p *Poller) Tick(ctx context.Context, now time.Time) {
	if n, err := p.store.ActivateWaiting(now); err != nil {
		p.logger.Errorw("Failed to activate waiting jobs", "error", err)
	} else if n > 0 {
		p.logger.Debugw("Waiting jobs activated", "count", n)
	}

	jobs, err := p.store.AcquireDueJobs(ctx, now, p.limit)
	if err != nil {
		p.logger.Errorw("Failed to acquire due jobs", "error", err)
		return
	}

	for _, job := range jobs {
		p.runJob(ctx, job)
	}
}

func (p *Poller) runJob(ctx context.Context, job *Job) {
	runErr := p.runner.RunCronJob(ctx, job)
	finished := time.Now()

	next, err := NextAfter(job.CronExpr, finished)
	if err != nil {
		// Expressions are validated at schedule time; reaching here means
		// the row was edited out of band. Push the job a tick forward so it
		// does not spin.
		p.logger.Errorw("Stored cron expression no longer parses",
			"job_id", job.JobID, "cron_expr", job.CronExpr, "error", err)
		next = finished.Add(p.interval)
	}

	if runErr == nil {
		if _, err := p.store.MarkSuccess(job.JobID, next, finished); err != nil {
			p.logger.Errorw("Failed to record job success", "job_id", job.JobID, "error", err)
		}
	} else {
		p.logger.Warnw("Cron job run failed",
			"job_id", job.JobID,
			"error", runErr)
		if _, err := p.store.MarkFailure(job.JobID, next, runErr.Error(), p.FailureThreshold, finished); err != nil {
			p.logger.Errorw("Failed to record job failure", "job_id", job.JobID, "error", err)
		}
	}

	if p.OnResult != nil {
		p.OnResult(job, runErr)
	}
}
