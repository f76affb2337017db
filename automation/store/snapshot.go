// Package store holds the automation engine's persistence: per-record field
// snapshots and idempotency keys in SQLite, dead-letter and run-log journals
// as append-only line-delimited JSON files.
package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/Clukay-Fun/OmniAgent/errors"
	"github.com/Clukay-Fun/OmniAgent/platform"
)

// SnapshotStore persists the last-seen field values per record, used to
// compute diffs when a change event arrives.
type SnapshotStore struct {
	db *sql.DB
}

// NewSnapshotStore creates a snapshot store.
func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Get returns the last-seen fields for a record. The second return value is
// false when no snapshot exists yet (first event for the record).
func (s *SnapshotStore) Get(source, tableID, recordID string) (platform.Fields, bool, error) {
	var raw string
	err := s.db.QueryRow(`
		SELECT fields FROM record_snapshots
		WHERE source = ? AND table_id = ? AND record_id = ?
	`, source, tableID, recordID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to get record snapshot")
	}

	var fields platform.Fields
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, false, errors.Wrapf(err, "corrupt snapshot for record %s", recordID)
	}
	return fields, true, nil
}

// Save upserts the snapshot for a record.
func (s *SnapshotStore) Save(source, tableID, recordID string, fields platform.Fields) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return errors.Wrap(err, "failed to marshal snapshot fields")
	}

	_, err = s.db.Exec(`
		INSERT INTO record_snapshots (source, table_id, record_id, fields, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source, table_id, record_id) DO UPDATE SET
			fields = excluded.fields,
			updated_at = excluded.updated_at
	`, source, tableID, recordID, string(raw), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return errors.Wrap(err, "failed to save record snapshot")
	}
	return nil
}
