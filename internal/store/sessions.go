package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"soauth.org/internal/auth"
)

type sessionStore struct{ s *Store }

const sessionColumns = `id, user_id, app_id, secret_hash, kind, status, lineage_id, previous_id, successor_id,
	issued_at, expires_at, last_used_at, revoked_at`

func scanSession(row interface{ Scan(...any) error }) (*auth.RefreshSession, error) {
	var (
		sess                      auth.RefreshSession
		kind, status              string
		previous, successor       sql.NullString
		issued, expires, lastUsed int64
		revoked                   sql.NullInt64
	)
	err := row.Scan(&sess.ID, &sess.UserID, &sess.AppID, &sess.SecretHash, &kind, &status, &sess.LineageID,
		&previous, &successor, &issued, &expires, &lastUsed, &revoked)
	if err != nil {
		return nil, err
	}
	sess.Kind = auth.SessionKind(kind)
	sess.Status = auth.SessionStatus(status)
	sess.PreviousID = previous.String
	sess.SuccessorID = successor.String
	sess.IssuedAt = fromMillis(issued)
	sess.ExpiresAt = fromMillis(expires)
	sess.LastUsedAt = fromMillis(lastUsed)
	sess.RevokedAt = fromNullMillis(revoked)
	return &sess, nil
}

func (r sessionStore) Create(ctx context.Context, sess *auth.RefreshSession) error {
	if sess.ID == "" || sess.SecretHash == "" || sess.LineageID == "" {
		return fmt.Errorf("%w: session id, secret hash and lineage are required", auth.ErrInvalidInput)
	}
	if sess.Status == "" {
		sess.Status = auth.SessionActive
	}
	_, err := r.s.exec(ctx, `
		insert into refresh_sessions(`+sessionColumns+`)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.AppID, sess.SecretHash, string(sess.Kind), string(sess.Status), sess.LineageID,
		nullString(sess.PreviousID), nullString(sess.SuccessorID),
		toMillis(sess.IssuedAt), toMillis(sess.ExpiresAt), toMillis(sess.LastUsedAt), nullMillis(sess.RevokedAt))
	return err
}

func (r sessionStore) Find(ctx context.Context, id string) (*auth.RefreshSession, error) {
	sess, err := scanSession(r.s.queryRow(ctx, `select `+sessionColumns+` from refresh_sessions where id = ?`, id))
	return sess, r.s.mapErr(err)
}

func (r sessionStore) FindByHash(ctx context.Context, secretHash string) (*auth.RefreshSession, error) {
	sess, err := scanSession(r.s.queryRow(ctx, `select `+sessionColumns+` from refresh_sessions where secret_hash = ?`, secretHash))
	return sess, r.s.mapErr(err)
}

func (r sessionStore) MarkRotated(ctx context.Context, id, successorID string, at time.Time) error {
	n, err := r.s.affected(ctx, `
		update refresh_sessions set status = ?, successor_id = ?, last_used_at = ?
		where id = ? and status = ?`,
		string(auth.SessionRotated), successorID, toMillis(at), id, string(auth.SessionActive))
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrRotationConflict
	}
	return nil
}

func (r sessionStore) Revoke(ctx context.Context, id string, at time.Time) error {
	n, err := r.s.affected(ctx, `
		update refresh_sessions set status = ?, revoked_at = ?
		where id = ? and status <> ?`,
		string(auth.SessionRevoked), toMillis(at), id, string(auth.SessionRevoked))
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.Find(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (r sessionStore) RevokeLineage(ctx context.Context, userID, appID, lineageID string, at time.Time) (int64, error) {
	return r.s.affected(ctx, `
		update refresh_sessions set status = ?, revoked_at = ?
		where user_id = ? and app_id = ? and lineage_id = ? and status <> ?`,
		string(auth.SessionRevoked), toMillis(at), userID, appID, lineageID, string(auth.SessionRevoked))
}

func (r sessionStore) RevokeAllFor(ctx context.Context, userID, appID string, kind auth.SessionKind, at time.Time) (int64, error) {
	if kind == "" {
		return r.s.affected(ctx, `
			update refresh_sessions set status = ?, revoked_at = ?
			where user_id = ? and app_id = ? and status <> ?`,
			string(auth.SessionRevoked), toMillis(at), userID, appID, string(auth.SessionRevoked))
	}
	return r.s.affected(ctx, `
		update refresh_sessions set status = ?, revoked_at = ?
		where user_id = ? and app_id = ? and kind = ? and status <> ?`,
		string(auth.SessionRevoked), toMillis(at), userID, appID, string(kind), string(auth.SessionRevoked))
}

func (r sessionStore) listActive(ctx context.Context, column, value string, now time.Time) ([]*auth.RefreshSession, error) {
	rows, err := r.s.query(ctx, `
		select `+sessionColumns+` from refresh_sessions
		where `+column+` = ? and status = ? and expires_at > ?
		order by issued_at desc`,
		value, string(auth.SessionActive), toMillis(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*auth.RefreshSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (r sessionStore) ListActiveForUser(ctx context.Context, userID string, now time.Time) ([]*auth.RefreshSession, error) {
	return r.listActive(ctx, "user_id", userID, now)
}

func (r sessionStore) ListActiveForApp(ctx context.Context, appID string, now time.Time) ([]*auth.RefreshSession, error) {
	return r.listActive(ctx, "app_id", appID, now)
}

func (r sessionStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	return r.s.affected(ctx, `delete from refresh_sessions where expires_at < ?`, toMillis(before))
}
