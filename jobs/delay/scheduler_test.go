package delay

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

type fakeRunner struct {
	mu      sync.Mutex
	runs    []string
	failing map[string]bool
}

func (f *fakeRunner) RunDelayedTask(_ context.Context, task *Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, task.TaskID)
	if f.failing[task.TaskID] {
		return errors.New("task blew up")
	}
	return nil
}

func TestTickRunsDueTasks(t *testing.T) {
	s := newTestStore(t)
	scheduleAt(t, s, "task-1", time.Now().Add(-time.Minute))
	scheduleAt(t, s, "future", time.Now().Add(time.Hour))

	runner := &fakeRunner{}
	sched := NewScheduler(s, runner, time.Second, 10, 0, zap.NewNop().Sugar())

	sched.Tick(context.Background(), time.Now())

	assert.Equal(t, []string{"task-1"}, runner.runs)

	task, err := s.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, task.Status)

	task, err = s.GetTask("future")
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, task.Status)
}

func TestTickMarksFailedRuns(t *testing.T) {
	s := newTestStore(t)
	scheduleAt(t, s, "task-1", time.Now().Add(-time.Minute))

	runner := &fakeRunner{failing: map[string]bool{"task-1": true}}
	sched := NewScheduler(s, runner, time.Second, 10, 0, zap.NewNop().Sugar())

	sched.Tick(context.Background(), time.Now())

	task, err := s.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, "task blew up", task.ErrorDetail)

	// Failed tasks are one-shot: no retry on later ticks
	sched.Tick(context.Background(), time.Now())
	assert.Len(t, runner.runs, 1)
}

func TestTickNotifiesResultObserver(t *testing.T) {
	s := newTestStore(t)
	scheduleAt(t, s, "task-1", time.Now().Add(-time.Minute))

	runner := &fakeRunner{}
	sched := NewScheduler(s, runner, time.Second, 10, 0, zap.NewNop().Sugar())

	var observed []string
	sched.OnResult = func(task *Task, err error) {
		result := "ok"
		if err != nil {
			result = "failed"
		}
		observed = append(observed, task.TaskID+":"+result)
	}

	sched.Tick(context.Background(), time.Now())
	assert.Equal(t, []string{"task-1:ok"}, observed)
}

func TestStartStop(t *testing.T) {
	s := newTestStore(t)
	scheduleAt(t, s, "task-1", time.Now().Add(-time.Minute))

	runner := &fakeRunner{}
	sched := NewScheduler(s, runner, 10*time.Millisecond, 10, 0, zap.NewNop().Sugar())

	sched.Start(context.Background())
	require.Eventually(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return len(runner.runs) >= 1
	}, 2*time.Second, 5*time.Millisecond)
	sched.Stop()
}
