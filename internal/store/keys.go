package store

import (
	"context"
	"errors"

	"soauth.org/internal/auth"
	"soauth.org/internal/keys"
)

// keyStore persists server key material in signing_keys.
type keyStore struct{ s *Store }

func (k *keyStore) LoadKey(ctx context.Context, name string) (keys.Sealed, error) {
	var (
		sealed    keys.Sealed
		publicPEM string
		private   string
		createdAt int64
	)
	err := k.s.queryRow(ctx, `
		select key_id, algorithm, public_key, sealed_key, created_at
		from signing_keys where name = ?`, name).
		Scan(&sealed.ID, &sealed.Algorithm, &publicPEM, &private, &createdAt)
	if err := k.s.mapErr(err); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return keys.Sealed{}, keys.ErrNotFound
		}
		return keys.Sealed{}, err
	}
	sealed.PublicPEM = []byte(publicPEM)
	sealed.PrivateKey = []byte(private)
	sealed.CreatedAt = fromMillis(createdAt)
	return sealed, nil
}

func (k *keyStore) SaveKey(ctx context.Context, name string, key keys.Sealed) error {
	_, err := k.s.exec(ctx, `
		insert into signing_keys(name, key_id, algorithm, public_key, sealed_key, created_at)
		values (?, ?, ?, ?, ?, ?)
		on conflict (name) do update set
			key_id = excluded.key_id,
			algorithm = excluded.algorithm,
			public_key = excluded.public_key,
			sealed_key = excluded.sealed_key,
			created_at = excluded.created_at`,
		name, key.ID, key.Algorithm, string(key.PublicPEM), string(key.PrivateKey), toMillis(nowOr(key.CreatedAt)))
	return err
}
