package store

import (
	"context"
	"database/sql"
	"fmt"

	"soauth.org/internal/auth"
	"soauth.org/internal/ids"
	"soauth.org/internal/keys"
)

type appStore struct{ s *Store }

const appColumns = `id, name, domain, redirect_url, created_by, key_id, public_key, sealed_key,
	key_created_at, client_secret_hash, api_access, visibility_grant, created_at`

func scanApp(row interface{ Scan(...any) error }) (*auth.App, error) {
	var (
		a            auth.App
		createdBy    sql.NullString
		publicKey    string
		sealedKey    string
		keyCreatedAt int64
		createdAt    int64
	)
	err := row.Scan(&a.ID, &a.Name, &a.Domain, &a.RedirectURL, &createdBy, &a.KeyID, &publicKey, &sealedKey,
		&keyCreatedAt, &a.ClientSecretHash, &a.APIAccess, &a.VisibilityGrant, &createdAt)
	if err != nil {
		return nil, err
	}
	a.CreatedBy = createdBy.String
	a.PublicKey = []byte(publicKey)
	a.SealedKey = []byte(sealedKey)
	a.KeyCreatedAt = fromMillis(keyCreatedAt)
	a.CreatedAt = fromMillis(createdAt)
	return &a, nil
}

func (r appStore) Create(ctx context.Context, a *auth.App) error {
	if a.Name == "" || a.KeyID == "" {
		return fmt.Errorf("%w: app name and key are required", auth.ErrInvalidInput)
	}
	if a.ID == "" {
		a.ID = ids.NewUUID()
	}
	a.CreatedAt = nowOr(a.CreatedAt)
	_, err := r.s.exec(ctx, `
		insert into apps(`+appColumns+`)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Domain, a.RedirectURL, nullString(a.CreatedBy), a.KeyID, string(a.PublicKey), string(a.SealedKey),
		toMillis(nowOr(a.KeyCreatedAt)), a.ClientSecretHash, a.APIAccess, a.VisibilityGrant, toMillis(a.CreatedAt))
	return err
}

func (r appStore) Find(ctx context.Context, id string) (*auth.App, error) {
	a, err := scanApp(r.s.queryRow(ctx, `select `+appColumns+` from apps where id = ?`, id))
	return a, r.s.mapErr(err)
}

func (r appStore) FindByName(ctx context.Context, name string) (*auth.App, error) {
	a, err := scanApp(r.s.queryRow(ctx, `select `+appColumns+` from apps where name = ?`, name))
	return a, r.s.mapErr(err)
}

func (r appStore) List(ctx context.Context) ([]*auth.App, error) {
	rows, err := r.s.query(ctx, `select `+appColumns+` from apps order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*auth.App
	for rows.Next() {
		a, err := scanApp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r appStore) UpdateKeys(ctx context.Context, id string, key keys.Sealed) error {
	return r.s.mustAffect(ctx, `
		update apps set key_id = ?, public_key = ?, sealed_key = ?, key_created_at = ?
		where id = ?`,
		key.ID, string(key.PublicPEM), string(key.PrivateKey), toMillis(nowOr(key.CreatedAt)), id)
}

func (r appStore) UpdateClientSecret(ctx context.Context, id, secretHash string) error {
	return r.s.mustAffect(ctx, `update apps set client_secret_hash = ? where id = ?`, secretHash, id)
}

func (r appStore) Delete(ctx context.Context, id string) error {
	return r.s.mustAffect(ctx, `delete from apps where id = ?`, id)
}
