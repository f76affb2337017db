package store

import (
	"database/sql"
	"time"

	"github.com/Clukay-Fun/OmniAgent/errors"
)

// IdempotencyStore deduplicates event and business keys across processes.
// Keys expire after a TTL and the table is bounded: once maxEntries is
// exceeded the oldest-expiring rows are evicted.
type IdempotencyStore struct {
	db         *sql.DB
	ttl        time.Duration
	maxEntries int
}

// NewIdempotencyStore creates an idempotency store.
func NewIdempotencyStore(db *sql.DB, ttl time.Duration, maxEntries int) *IdempotencyStore {
	return &IdempotencyStore{db: db, ttl: ttl, maxEntries: maxEntries}
}

// CheckAndRecord records the key and reports whether it was new.
// A false return means the key was seen before and the event is a duplicate.
func (s *IdempotencyStore) CheckAndRecord(key string) (bool, error) {
	now := time.Now().UTC()

	// Expired keys may be reused
	if _, err := s.db.Exec(
		"DELETE FROM idempotency_keys WHERE expires_at < ?",
		now.Format(time.RFC3339),
	); err != nil {
		return false, errors.Wrap(err, "failed to purge expired idempotency keys")
	}

	res, err := s.db.Exec(`
		INSERT INTO idempotency_keys (key, expires_at, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO NOTHING
	`, key, now.Add(s.ttl).Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return false, errors.Wrap(err, "failed to record idempotency key")
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return false, nil
	}

	if err := s.evictOverflow(); err != nil {
		return false, err
	}
	return true, nil
}

// evictOverflow enforces the bounded collection size.
func (s *IdempotencyStore) evictOverflow() error {
	if s.maxEntries <= 0 {
		return nil
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM idempotency_keys").Scan(&count); err != nil {
		return errors.Wrap(err, "failed to count idempotency keys")
	}
	if count <= s.maxEntries {
		return nil
	}

	_, err := s.db.Exec(`
		DELETE FROM idempotency_keys WHERE key IN (
			SELECT key FROM idempotency_keys
			ORDER BY expires_at ASC
			LIMIT ?
		)
	`, count-s.maxEntries)
	if err != nil {
		return errors.Wrap(err, "failed to evict idempotency keys")
	}
	return nil
}
