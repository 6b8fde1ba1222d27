// Package store implements auth persistence over database/sql for both
// PostgreSQL and SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"soauth.org/internal/auth"
	"soauth.org/internal/keys"
)

// Dialect captures what differs between the supported databases.
type Dialect struct {
	Name string
	// Numbered placeholders ($1, $2) instead of '?'.
	Numbered bool
	// IsUniqueViolation reports whether err is a unique or primary key violation.
	IsUniqueViolation func(error) bool
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements auth.Store.
type Store struct {
	db      *sql.DB
	q       queryer
	dialect Dialect
	inTx    bool
}

var _ auth.Store = (*Store)(nil)
var _ keys.Store = (*keyStore)(nil)

// New wraps an open database.
func New(db *sql.DB, dialect Dialect) *Store {
	if dialect.IsUniqueViolation == nil {
		dialect.IsUniqueViolation = func(error) bool { return false }
	}
	return &Store{db: db, q: db, dialect: dialect}
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the configured dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

// Ping checks connectivity; used by readiness probes.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Users(context.Context) auth.UserStore            { return userStore{s} }
func (s *Store) Groups(context.Context) auth.GroupStore          { return groupStore{s} }
func (s *Store) Apps(context.Context) auth.AppStore              { return appStore{s} }
func (s *Store) Sessions(context.Context) auth.SessionRepository { return sessionStore{s} }
func (s *Store) Logins(context.Context) auth.LoginStore          { return loginStore{s} }
func (s *Store) Keys(context.Context) keys.Store                 { return &keyStore{s} }

// WithinTx runs fn inside a transaction. Nested calls reuse the outer one.
func (s *Store) WithinTx(ctx context.Context, fn func(tx auth.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&Store{db: s.db, q: tx, dialect: s.dialect, inTx: true}); err != nil {
		return err
	}
	return tx.Commit()
}

// rebind rewrites '?' placeholders for dialects with numbered parameters.
func (s *Store) rebind(query string) string {
	if !s.dialect.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := s.q.ExecContext(ctx, s.rebind(query), args...)
	return res, s.mapErr(err)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.rebind(query), args...)
}

// affected runs a statement and returns the number of rows it changed.
func (s *Store) affected(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// mustAffect returns auth.ErrNotFound when the statement changed nothing.
func (s *Store) mustAffect(ctx context.Context, query string, args ...any) error {
	n, err := s.affected(ctx, query, args...)
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *Store) mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return auth.ErrNotFound
	case s.dialect.IsUniqueViolation(err):
		return errors.Join(auth.ErrConflict, err)
	default:
		return err
	}
}

func (s *Store) stringList(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nowOr(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
