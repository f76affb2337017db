package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Clukay-Fun/OmniAgent/db"
)

// CreateTestDB creates a throwaway SQLite test database with all migrations
// applied. Automatically registers cleanup via t.Cleanup().
//
// Backed by a file in t.TempDir() rather than :memory: because the
// connection pool hands out multiple connections, and each :memory:
// connection is its own empty database.
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	if err := db.Migrate(conn, nil); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}
