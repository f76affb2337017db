// Package schemawatch detects table schema drift: it compares the current
// field definitions of watched tables against persisted snapshots, applies
// the configured policy when a rule's trigger field disappears, and sends a
// best-effort notification on risky changes.
package schemawatch

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/Clukay-Fun/OmniAgent/errors"
	"github.com/Clukay-Fun/OmniAgent/platform"
)

// FieldSchema is a table's field definitions keyed by field id.
type FieldSchema map[string]platform.FieldMeta

// SnapshotStore persists per-table field schemas in SQLite so drift
// detection survives restarts and is shared across processes.
type SnapshotStore struct {
	db *sql.DB
}

// NewSnapshotStore creates a schema snapshot store.
func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Get returns the cached schema for a table. found is false when the table
// has never been observed.
func (s *SnapshotStore) Get(source, tableID string) (FieldSchema, bool, error) {
	var raw string
	err := s.db.QueryRow(
		`SELECT fields FROM schema_snapshots WHERE source = ? AND table_id = ?`,
		source, tableID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to load schema snapshot %s/%s", source, tableID)
	}

	var schema FieldSchema
	if err := json.Unmarshal([]byte(raw), &schema); err != nil {
		return nil, false, errors.Wrapf(err, "corrupt schema snapshot %s/%s", source, tableID)
	}
	return schema, true, nil
}

// Save upserts the schema snapshot for a table.
func (s *SnapshotStore) Save(source, tableID string, schema FieldSchema) error {
	raw, err := json.Marshal(schema)
	if err != nil {
		return errors.Wrap(err, "failed to encode schema snapshot")
	}
	_, err = s.db.Exec(`
		INSERT INTO schema_snapshots (source, table_id, fields, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source, table_id) DO UPDATE SET
			fields = excluded.fields,
			updated_at = excluded.updated_at`,
		source, tableID, string(raw), time.Now().UTC().Format(time.RFC3339))
	return errors.Wrapf(err, "failed to save schema snapshot %s/%s", source, tableID)
}
