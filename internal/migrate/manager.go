// Package migrate applies the embedded schema with goose.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Manager runs schema migrations against one database.
type Manager struct {
	provider *goose.Provider
}

// Migration describes one schema version.
type Migration struct {
	Version   int64
	Path      string
	Applied   bool
	AppliedAt time.Time
}

func gooseDialect(name string) (database.Dialect, error) {
	switch name {
	case "postgres":
		return database.DialectPostgres, nil
	case "sqlite":
		return database.DialectSQLite3, nil
	default:
		return "", fmt.Errorf("migrate: unsupported dialect %q", name)
	}
}

// NewManager constructs a Manager for dialect ("postgres" or "sqlite").
func NewManager(db *sql.DB, dialect string) (*Manager, error) {
	d, err := gooseDialect(dialect)
	if err != nil {
		return nil, err
	}
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migrate: sub filesystem: %w", err)
	}
	provider, err := goose.NewProvider(d, db, migrationFS)
	if err != nil {
		return nil, fmt.Errorf("migrate: create goose provider: %w", err)
	}
	return &Manager{provider: provider}, nil
}

// Up applies all pending migrations and returns how many ran.
func (m *Manager) Up(ctx context.Context) (int, error) {
	results, err := m.provider.Up(ctx)
	if err != nil {
		return len(results), fmt.Errorf("migrate: apply migrations: %w", err)
	}
	return len(results), nil
}

// Down rolls back the most recent applied migration.
func (m *Manager) Down(ctx context.Context) (int64, error) {
	res, err := m.provider.Down(ctx)
	if err != nil {
		if errors.Is(err, goose.ErrNoNextVersion) {
			return 0, errors.New("migrate: no migrations applied")
		}
		return 0, fmt.Errorf("migrate: rollback: %w", err)
	}
	if res == nil || res.Source == nil {
		return 0, nil
	}
	return res.Source.Version, nil
}

// Status returns every known migration ordered by version.
func (m *Manager) Status(ctx context.Context) ([]Migration, error) {
	list, err := m.provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migrate: status: %w", err)
	}
	out := make([]Migration, 0, len(list))
	for _, st := range list {
		out = append(out, Migration{
			Version:   st.Source.Version,
			Path:      st.Source.Path,
			Applied:   st.State == goose.StateApplied,
			AppliedAt: st.AppliedAt,
		})
	}
	return out, nil
}

// Version returns the current schema version.
func (m *Manager) Version(ctx context.Context) (int64, error) {
	return m.provider.GetDBVersion(ctx)
}

// Up is a shortcut that migrates db to the latest version.
func Up(ctx context.Context, db *sql.DB, dialect string) error {
	m, err := NewManager(db, dialect)
	if err != nil {
		return err
	}
	_, err = m.Up(ctx)
	return err
}
