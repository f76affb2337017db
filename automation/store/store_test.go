package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qatest "github.com/Clukay-Fun/OmniAgent/internal/testing"
	"github.com/Clukay-Fun/OmniAgent/platform"
)

func TestSnapshotStoreRoundTrip(t *testing.T) {
	db := qatest.CreateTestDB(t)
	s := NewSnapshotStore(db)

	_, found, err := s.Get("base1", "tbl-1", "rec-1")
	require.NoError(t, err)
	assert.False(t, found)

	fields := platform.Fields{"status": "open", "count": float64(3)}
	require.NoError(t, s.Save("base1", "tbl-1", "rec-1", fields))

	got, found, err := s.Get("base1", "tbl-1", "rec-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, fields, got)

	// Upsert replaces
	require.NoError(t, s.Save("base1", "tbl-1", "rec-1", platform.Fields{"status": "done"}))
	got, _, err = s.Get("base1", "tbl-1", "rec-1")
	require.NoError(t, err)
	assert.Equal(t, platform.Fields{"status": "done"}, got)
}

func TestIdempotencyDeduplicates(t *testing.T) {
	db := qatest.CreateTestDB(t)
	s := NewIdempotencyStore(db, time.Hour, 100)

	fresh, err := s.CheckAndRecord("evt-1")
	require.NoError(t, err)
	assert.True(t, fresh)

	dup, err := s.CheckAndRecord("evt-1")
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestIdempotencyExpiryAllowsReuse(t *testing.T) {
	db := qatest.CreateTestDB(t)
	s := NewIdempotencyStore(db, -time.Second, 100) // already expired

	fresh, err := s.CheckAndRecord("evt-x")
	require.NoError(t, err)
	assert.True(t, fresh)

	// The expired key is purged on the next call, so it reads as new again
	again, err := s.CheckAndRecord("evt-x")
	require.NoError(t, err)
	assert.True(t, again)
}

func TestIdempotencyBoundedSize(t *testing.T) {
	db := qatest.CreateTestDB(t)
	s := NewIdempotencyStore(db, time.Hour, 5)

	for i := 0; i < 10; i++ {
		_, err := s.CheckAndRecord(string(rune('a' + i)))
		require.NoError(t, err)
	}

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM idempotency_keys").Scan(&count))
	assert.LessOrEqual(t, count, 5)
}

func TestDeadLetterAppendAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead_letter.ndjson")
	s := NewDeadLetterStore(path)

	entry := DeadLetterEntry{
		RuleID:     "r-1",
		EventID:    "evt-1",
		RecordID:   "rec-1",
		ActionType: "send_message",
		Error:      "connection refused",
	}
	require.NoError(t, s.Append(entry))
	require.NoError(t, s.Append(DeadLetterEntry{RuleID: "r-2", EventID: "evt-2"}))

	entries, err := s.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "r-1", entries[0].RuleID)
	assert.Equal(t, "connection refused", entries[0].Error)
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestRunLogAppendAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run_log.ndjson")
	s := NewRunLogStore(path)

	require.NoError(t, s.Append(RunLogEntry{
		EventID:       "evt-1",
		RuleID:        "r-1",
		TriggerField:  "status",
		ChangedFields: []string{"status"},
		Actions:       []string{"send_message"},
		Result:        RunFailed,
		RetryCount:    3,
		DurationMs:    120,
	}))

	entries, err := s.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, RunFailed, entries[0].Result)
	assert.Equal(t, 3, entries[0].RetryCount)
}

func TestRunLogListMissingFileIsEmpty(t *testing.T) {
	s := NewRunLogStore(filepath.Join(t.TempDir(), "absent.ndjson"))
	entries, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}
