// Package dbtest opens migrated SQLite databases for tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmehdipour/ledger-bridge/internal/db"
	"github.com/jmehdipour/ledger-bridge/migrations"
	"github.com/jmoiron/sqlx"
)

// NewSQLite returns a fresh file-backed database with the full schema, closed on cleanup.
func NewSQLite(t testing.TB) *sqlx.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.db")
	return Open(t, path)
}

// Open opens (and migrates) the database at path. Opening the same path twice
// simulates a process restart.
func Open(t testing.TB, path string) *sqlx.DB {
	t.Helper()
	dbx, err := db.NewSQLConnection(db.DialectSQLite, "file:"+path+"?_pragma=busy_timeout(5000)&_txlock=immediate", db.SQLOpts{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = dbx.Close() })
	if err := migrations.Apply(context.Background(), dbx, db.DialectSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return dbx
}
