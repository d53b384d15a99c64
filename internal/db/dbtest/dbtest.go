// Package dbtest opens throwaway databases carrying the production schema.
package dbtest

import (
	"context"
	"database/sql"
	"testing"

	"coinchat/backend/internal/db"

	_ "modernc.org/sqlite"
)

// Open returns an in-memory sqlite database with the schema applied. The pool
// is pinned to one connection so every query sees the same memory database.
func Open(t testing.TB) *sql.DB {
	t.Helper()

	database, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	database.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = database.Close() })

	if err := db.Migrate(context.Background(), database); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return database
}
