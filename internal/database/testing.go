package database

import (
	"context"
	"database/sql"
	"os"
	"testing"
)

// TestDSNEnv names the variable that enables Postgres-backed tests.
const TestDSNEnv = "GUARD_TEST_DATABASE_URL"

// OpenTest returns a migrated database for integration tests, or skips the
// test when GUARD_TEST_DATABASE_URL is unset or unreachable.
func OpenTest(t testing.TB) *sql.DB {
	t.Helper()
	dsn := os.Getenv(TestDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", TestDSNEnv)
	}
	db, err := Open(context.Background(), dsn, 4)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
