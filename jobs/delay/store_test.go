package delay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Clukay-Fun/OmniAgent/errors"
	qatest "github.com/Clukay-Fun/OmniAgent/internal/testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(qatest.CreateTestDB(t), zap.NewNop().Sugar())
}

func scheduleAt(t *testing.T, s *Store, taskID string, triggerAt time.Time) {
	t.Helper()
	require.NoError(t, s.ScheduleTask(&Task{
		TaskID:    taskID,
		RuleID:    "rule-1",
		TriggerAt: triggerAt,
		Payload:   []byte(`{"record_id":"rec-1"}`),
	}))
}

func TestScheduleTaskDuplicateConflicts(t *testing.T) {
	s := newTestStore(t)
	scheduleAt(t, s, "task-1", time.Now().Add(time.Minute))

	err := s.ScheduleTask(&Task{TaskID: "task-1", TriggerAt: time.Now()})
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))
}

func TestPastTriggerTimeFiresImmediately(t *testing.T) {
	s := newTestStore(t)
	scheduleAt(t, s, "task-1", time.Now().Add(-time.Hour))

	due, err := s.GetDueTasks(time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "task-1", due[0].TaskID)
}

func TestGetDueTasksDoesNotClaim(t *testing.T) {
	s := newTestStore(t)
	scheduleAt(t, s, "task-1", time.Now().Add(-time.Minute))

	_, err := s.GetDueTasks(time.Now(), 10)
	require.NoError(t, err)

	// Still visible: reads never change state
	due, err := s.GetDueTasks(time.Now(), 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)
	assert.Equal(t, StatusScheduled, due[0].Status)
}

func TestClaimDueTasksIsExclusive(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"task-a", "task-b", "task-c"} {
		scheduleAt(t, s, id, time.Now().Add(-time.Minute))
	}

	var (
		mu      sync.Mutex
		claimed []string
		wg      sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tasks, err := s.ClaimDueTasks(context.Background(), time.Now(), 10)
			require.NoError(t, err)
			mu.Lock()
			for _, task := range tasks {
				claimed = append(claimed, task.TaskID)
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 3)
	seen := map[string]int{}
	for _, id := range claimed {
		seen[id]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s claimed %d times", id, n)
	}
}

func TestClaimSkipsFutureTasks(t *testing.T) {
	s := newTestStore(t)
	scheduleAt(t, s, "soon", time.Now().Add(-time.Second))
	scheduleAt(t, s, "later", time.Now().Add(time.Hour))

	tasks, err := s.ClaimDueTasks(context.Background(), time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "soon", tasks[0].TaskID)
	assert.Equal(t, StatusExecuting, tasks[0].Status)
}

func TestMarkCompleted(t *testing.T) {
	s := newTestStore(t)
	scheduleAt(t, s, "task-1", time.Now().Add(-time.Minute))

	tasks, err := s.ClaimDueTasks(context.Background(), time.Now(), 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	ok, err := s.MarkCompleted("task-1", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	task, err := s.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, task.Status)
	require.NotNil(t, task.ExecutedAt)

	// Terminal rows do not transition again
	ok, err = s.MarkFailed("task-1", "late error", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkFailedKeepsDetail(t *testing.T) {
	s := newTestStore(t)
	scheduleAt(t, s, "task-1", time.Now().Add(-time.Minute))

	_, err := s.ClaimDueTasks(context.Background(), time.Now(), 1)
	require.NoError(t, err)

	ok, err := s.MarkFailed("task-1", "target unreachable", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	task, err := s.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, "target unreachable", task.ErrorDetail)
}

func TestCancelOnlyScheduled(t *testing.T) {
	s := newTestStore(t)
	scheduleAt(t, s, "task-1", time.Now().Add(time.Hour))

	ok, err := s.Cancel("task-1", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	task, err := s.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, task.Status)

	// Executing tasks cannot be cancelled
	scheduleAt(t, s, "task-2", time.Now().Add(-time.Minute))
	_, err = s.ClaimDueTasks(context.Background(), time.Now(), 1)
	require.NoError(t, err)

	ok, err = s.Cancel("task-2", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCleanupOldRemovesOnlyExpiredTerminalRows(t *testing.T) {
	s := newTestStore(t)
	scheduleAt(t, s, "old-done", time.Now().Add(-time.Minute))
	scheduleAt(t, s, "fresh-done", time.Now().Add(-time.Minute))
	scheduleAt(t, s, "pending", time.Now().Add(time.Hour))

	_, err := s.ClaimDueTasks(context.Background(), time.Now(), 10)
	require.NoError(t, err)
	_, err = s.MarkCompleted("old-done", time.Now().Add(-48*time.Hour))
	require.NoError(t, err)
	_, err = s.MarkCompleted("fresh-done", time.Now())
	require.NoError(t, err)

	n, err := s.CleanupOld(time.Now(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetTask("old-done")
	assert.True(t, errors.IsNotFoundError(err))
	_, err = s.GetTask("fresh-done")
	require.NoError(t, err)
	_, err = s.GetTask("pending")
	require.NoError(t, err)
}

func TestTaskJSONRoundTrip(t *testing.T) {
	ts := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	task := Task{
		TaskID:      "task-1",
		RuleID:      "rule-1",
		TriggerAt:   ts,
		Payload:     []byte(`{"record_id":"rec-1"}`),
		Status:      StatusFailed,
		ExecutedAt:  &ts,
		ErrorDetail: "boom",
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}

	data, err := json.Marshal(task)
	require.NoError(t, err)
	var decoded Task
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, task, decoded)
}

func TestListTasksFiltersByStatus(t *testing.T) {
	s := newTestStore(t)
	scheduleAt(t, s, "task-1", time.Now().Add(time.Hour))
	scheduleAt(t, s, "task-2", time.Now().Add(2*time.Hour))
	_, err := s.Cancel("task-2", time.Now())
	require.NoError(t, err)

	scheduled, err := s.ListTasks(StatusScheduled, 10)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	assert.Equal(t, "task-1", scheduled[0].TaskID)

	all, err := s.ListTasks("", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
