package store

import (
	"testing"
)

// setupTestDB opens a fresh in-memory store with the schema applied.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(Config{Driver: DriverSQLite, DSN: ":memory:"})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return db
}
