// Package database opens the configured store and brings its schema up to date.
package database

import (
	"context"
	"fmt"

	"soauth.org/internal/config"
	"soauth.org/internal/migrate"
	"soauth.org/internal/store"
	"soauth.org/internal/store/pg"
	"soauth.org/internal/store/sqlite"
)

// Open connects to the database named by cfg.
func Open(ctx context.Context, cfg config.Config) (*store.Store, error) {
	switch cfg.DatabaseType {
	case config.DatabaseSQLite:
		return sqlite.New(ctx, cfg.DatabaseDSN)
	case config.DatabasePostgres:
		return pg.New(ctx, cfg.DatabaseDSN)
	default:
		return nil, fmt.Errorf("database: unsupported type %q", cfg.DatabaseType)
	}
}

// OpenMigrated opens the store and applies pending migrations.
func OpenMigrated(ctx context.Context, cfg config.Config) (*store.Store, int, error) {
	st, err := Open(ctx, cfg)
	if err != nil {
		return nil, 0, err
	}
	mgr, err := Manager(st)
	if err != nil {
		_ = st.Close()
		return nil, 0, err
	}
	applied, err := mgr.Up(ctx)
	if err != nil {
		_ = st.Close()
		return nil, 0, fmt.Errorf("database: migrate: %w", err)
	}
	return st, applied, nil
}

// Manager returns a migration manager for st.
func Manager(st *store.Store) (*migrate.Manager, error) {
	return migrate.NewManager(st.DB(), st.Dialect().Name)
}
