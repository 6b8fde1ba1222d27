package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"soauth.org/internal/auth"
)

type loginStore struct{ s *Store }

const loginColumns = `id, app_id, redirect_to, initiated_at, completed_at, user_id, code_hash, redeemed_at, stale`

func scanLogin(row interface{ Scan(...any) error }) (*auth.LoginRequest, error) {
	var (
		req                 auth.LoginRequest
		initiated           int64
		completed, redeemed sql.NullInt64
		userID, codeHash    sql.NullString
	)
	err := row.Scan(&req.ID, &req.AppID, &req.RedirectTo, &initiated, &completed, &userID, &codeHash, &redeemed, &req.Stale)
	if err != nil {
		return nil, err
	}
	req.InitiatedAt = fromMillis(initiated)
	req.CompletedAt = fromNullMillis(completed)
	req.RedeemedAt = fromNullMillis(redeemed)
	req.UserID = userID.String
	req.CodeHash = codeHash.String
	return &req, nil
}

func (r loginStore) Create(ctx context.Context, req *auth.LoginRequest) error {
	if req.ID == "" || req.AppID == "" {
		return fmt.Errorf("%w: login request id and app are required", auth.ErrInvalidInput)
	}
	_, err := r.s.exec(ctx, `
		insert into login_requests(id, app_id, redirect_to, initiated_at, stale)
		values (?, ?, ?, ?, ?)`,
		req.ID, req.AppID, req.RedirectTo, toMillis(nowOr(req.InitiatedAt)), false)
	return err
}

func (r loginStore) Find(ctx context.Context, id string) (*auth.LoginRequest, error) {
	req, err := scanLogin(r.s.queryRow(ctx, `select `+loginColumns+` from login_requests where id = ?`, id))
	return req, r.s.mapErr(err)
}

func (r loginStore) FindByCode(ctx context.Context, codeHash string) (*auth.LoginRequest, error) {
	req, err := scanLogin(r.s.queryRow(ctx, `select `+loginColumns+` from login_requests where code_hash = ?`, codeHash))
	return req, r.s.mapErr(err)
}

func (r loginStore) Complete(ctx context.Context, id, userID, codeHash string, at time.Time) error {
	n, err := r.s.affected(ctx, `
		update login_requests set completed_at = ?, user_id = ?, code_hash = ?
		where id = ? and completed_at is null and stale = ?`,
		toMillis(at), userID, codeHash, id, false)
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrConflict
	}
	return nil
}

func (r loginStore) Redeem(ctx context.Context, id string, at time.Time) error {
	n, err := r.s.affected(ctx, `
		update login_requests set redeemed_at = ?
		where id = ? and redeemed_at is null and completed_at is not null`,
		toMillis(at), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrConflict
	}
	return nil
}

func (r loginStore) MarkStale(ctx context.Context, initiatedBefore time.Time) (int64, error) {
	return r.s.affected(ctx, `
		update login_requests set stale = ?
		where stale = ? and redeemed_at is null and initiated_at < ?`,
		true, false, toMillis(initiatedBefore))
}

func (r loginStore) DeleteBefore(ctx context.Context, initiatedBefore time.Time) (int64, error) {
	return r.s.affected(ctx, `delete from login_requests where initiated_at < ?`, toMillis(initiatedBefore))
}
