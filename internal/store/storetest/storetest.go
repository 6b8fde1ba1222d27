// Package storetest opens migrated throwaway stores for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"soauth.org/internal/migrate"
	"soauth.org/internal/store"
	"soauth.org/internal/store/sqlite"
)

// NewSQLite returns a store backed by a fresh SQLite file with the schema applied.
func NewSQLite(t testing.TB) *store.Store {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "soauth.db")
	st, err := sqlite.New(ctx, path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := migrate.Up(ctx, st.DB(), sqlite.Dialect.Name); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}
