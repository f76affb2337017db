package cron

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Clukay-Fun/OmniAgent/errors"
)

// fakeRunner records runs and fails job ids listed in failing.
type fakeRunner struct {
	mu      sync.Mutex
	runs    []string
	failing map[string]bool
}

func (f *fakeRunner) RunCronJob(_ context.Context, job *Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, job.JobID)
	if f.failing[job.JobID] {
		return errors.New("job blew up")
	}
	return nil
}

func TestTickRunsDueJobAndReschedules(t *testing.T) {
	s := newTestStore(t)
	scheduleDue(t, s, "job-1", 5)

	runner := &fakeRunner{}
	p := NewPoller(s, runner, time.Second, 10, zap.NewNop().Sugar())

	p.Tick(context.Background(), time.Now())

	assert.Equal(t, []string{"job-1"}, runner.runs)

	job, err := s.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, job.Status)
	assert.Equal(t, 1, job.ExecutionCount)
	assert.True(t, job.NextRunAt.After(time.Now()), "next slot is in the future")
}

func TestTickRecordsFailureAndEventuallyPauses(t *testing.T) {
	s := newTestStore(t)
	scheduleDue(t, s, "job-1", 2)

	runner := &fakeRunner{failing: map[string]bool{"job-1": true}}
	p := NewPoller(s, runner, time.Second, 10, zap.NewNop().Sugar())

	p.Tick(context.Background(), time.Now())
	job, err := s.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, job.Status)
	assert.Equal(t, 1, job.ConsecutiveFailures)

	// Force the slot back so the next tick claims it again
	_, err = s.db.Exec(`UPDATE cron_jobs SET next_run_at = ? WHERE job_id = ?`,
		formatTime(time.Now().Add(-time.Minute)), "job-1")
	require.NoError(t, err)

	p.Tick(context.Background(), time.Now())
	job, err = s.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, job.Status)
	assert.Equal(t, "job blew up", job.LastError)

	// Paused jobs are skipped on later ticks
	p.Tick(context.Background(), time.Now())
	assert.Len(t, runner.runs, 2)
}

func TestPollerThresholdOverridesRowLimit(t *testing.T) {
	s := newTestStore(t)
	scheduleDue(t, s, "job-1", 5)

	runner := &fakeRunner{failing: map[string]bool{"job-1": true}}
	p := NewPoller(s, runner, time.Second, 10, zap.NewNop().Sugar())
	p.FailureThreshold = 1

	p.Tick(context.Background(), time.Now())

	job, err := s.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, job.Status)
	assert.Equal(t, 1, job.ConsecutiveFailures)
}

func TestTickNotifiesResultObserver(t *testing.T) {
	s := newTestStore(t)
	scheduleDue(t, s, "job-1", 5)

	runner := &fakeRunner{failing: map[string]bool{"job-1": true}}
	p := NewPoller(s, runner, time.Second, 10, zap.NewNop().Sugar())

	var observed []string
	p.OnResult = func(job *Job, err error) {
		result := "ok"
		if err != nil {
			result = "failed"
		}
		observed = append(observed, job.JobID+":"+result)
	}

	p.Tick(context.Background(), time.Now())
	assert.Equal(t, []string{"job-1:failed"}, observed)
}

func TestStartStop(t *testing.T) {
	s := newTestStore(t)
	scheduleDue(t, s, "job-1", 5)

	runner := &fakeRunner{}
	p := NewPoller(s, runner, 10*time.Millisecond, 10, zap.NewNop().Sugar())

	p.Start(context.Background())
	require.Eventually(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return len(runner.runs) >= 1
	}, 2*time.Second, 5*time.Millisecond)
	p.Stop()
}
