package store

import (
	"context"
	"database/sql"
	"fmt"

	"soauth.org/internal/auth"
	"soauth.org/internal/ids"
)

type userStore struct{ s *Store }

const userColumns = `id, username, full_name, email, created_at, last_login_at`

func scanUser(row interface{ Scan(...any) error }) (*auth.User, error) {
	var (
		u         auth.User
		createdAt int64
		lastLogin sql.NullInt64
	)
	if err := row.Scan(&u.ID, &u.Username, &u.FullName, &u.Email, &createdAt, &lastLogin); err != nil {
		return nil, err
	}
	u.CreatedAt = fromMillis(createdAt)
	u.LastLoginAt = fromNullMillis(lastLogin)
	return &u, nil
}

func (r userStore) Create(ctx context.Context, u *auth.User) error {
	if u.Username == "" {
		return fmt.Errorf("%w: username is required", auth.ErrInvalidInput)
	}
	if u.ID == "" {
		u.ID = ids.NewUUID()
	}
	u.CreatedAt = nowOr(u.CreatedAt)
	_, err := r.s.exec(ctx, `
		insert into users(id, username, full_name, email, created_at, last_login_at)
		values (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.FullName, u.Email, toMillis(u.CreatedAt), nullMillis(u.LastLoginAt))
	return err
}

func (r userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	u, err := scanUser(r.s.queryRow(ctx, `select `+userColumns+` from users where id = ?`, id))
	return u, r.s.mapErr(err)
}

func (r userStore) FindByUsername(ctx context.Context, username string) (*auth.User, error) {
	u, err := scanUser(r.s.queryRow(ctx, `select `+userColumns+` from users where username = ?`, username))
	return u, r.s.mapErr(err)
}

func (r userStore) List(ctx context.Context) ([]*auth.User, error) {
	rows, err := r.s.query(ctx, `select `+userColumns+` from users order by username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*auth.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (r userStore) UpdateProfile(ctx context.Context, u *auth.User) error {
	return r.s.mustAffect(ctx, `
		update users set full_name = ?, email = ?, last_login_at = ?
		where id = ?`,
		u.FullName, u.Email, nullMillis(u.LastLoginAt), u.ID)
}

func (r userStore) Delete(ctx context.Context, id string) error {
	return r.s.mustAffect(ctx, `delete from users where id = ?`, id)
}

func (r userStore) Grants(ctx context.Context, userID string) ([]string, error) {
	return r.s.stringList(ctx, `select grant_name from user_grants where user_id = ? order by grant_name`, userID)
}

func (r userStore) AddGrant(ctx context.Context, userID, grant string) (bool, error) {
	n, err := r.s.affected(ctx, `
		insert into user_grants(user_id, grant_name) values (?, ?)
		on conflict do nothing`, userID, grant)
	return n > 0, err
}

func (r userStore) RemoveGrant(ctx context.Context, userID, grant string) (bool, error) {
	n, err := r.s.affected(ctx, `delete from user_grants where user_id = ? and grant_name = ?`, userID, grant)
	return n > 0, err
}
