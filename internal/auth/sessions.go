package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"soauth.org/internal/credential"
	"soauth.org/internal/ids"
)

// SessionStore manages refresh sessions on top of a SessionRepository.
// Raw secrets never reach the repository; lookups go through their hash.
type SessionStore struct {
	store     Store
	now       func() time.Time
	loginTTL  time.Duration
	apiKeyTTL time.Duration
}

// NewSessionStore constructs a session store. loginTTL and apiKeyTTL bound the
// lifetime of each new session of the respective kind.
func NewSessionStore(store Store, loginTTL, apiKeyTTL time.Duration, now func() time.Time) *SessionStore {
	if now == nil {
		now = time.Now
	}
	if loginTTL <= 0 {
		loginTTL = defaultRefreshTTL
	}
	if apiKeyTTL <= 0 {
		apiKeyTTL = defaultAPIKeyTTL
	}
	return &SessionStore{store: store, now: now, loginTTL: loginTTL, apiKeyTTL: apiKeyTTL}
}

func (s *SessionStore) ttl(kind SessionKind) time.Duration {
	if kind == SessionKindAPIKey {
		return s.apiKeyTTL
	}
	return s.loginTTL
}

// Create starts a new lineage for user and app and returns the raw secret.
func (s *SessionStore) Create(ctx context.Context, userID, appID string, kind SessionKind) (RefreshSession, string, error) {
	sess, raw, err := s.root(userID, appID, kind)
	if err != nil {
		return RefreshSession{}, "", err
	}
	if err := s.store.Sessions(ctx).Create(ctx, &sess); err != nil {
		return RefreshSession{}, "", err
	}
	return sess, raw, nil
}

// Replace revokes the user's active sessions of kind for app and starts a new
// lineage in the same transaction. It also reports how many were revoked.
func (s *SessionStore) Replace(ctx context.Context, userID, appID string, kind SessionKind) (RefreshSession, string, int64, error) {
	sess, raw, err := s.root(userID, appID, kind)
	if err != nil {
		return RefreshSession{}, "", 0, err
	}
	var revoked int64
	err = s.store.WithinTx(ctx, func(tx Store) error {
		repo := tx.Sessions(ctx)
		n, err := repo.RevokeAllFor(ctx, userID, appID, kind, s.now().UTC())
		if err != nil {
			return err
		}
		revoked = n
		return repo.Create(ctx, &sess)
	})
	if err != nil {
		return RefreshSession{}, "", 0, err
	}
	return sess, raw, revoked, nil
}

// root builds, without persisting, the first session of a new lineage.
func (s *SessionStore) root(userID, appID string, kind SessionKind) (RefreshSession, string, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(appID) == "" {
		return RefreshSession{}, "", fmt.Errorf("%w: user and app are required", ErrInvalidInput)
	}
	if kind != SessionKindLogin && kind != SessionKindAPIKey {
		return RefreshSession{}, "", fmt.Errorf("%w: unknown session kind %q", ErrInvalidInput, kind)
	}
	sess, raw, err := s.newSession(userID, appID, kind)
	if err != nil {
		return RefreshSession{}, "", err
	}
	sess.LineageID = sess.ID
	return sess, raw, nil
}

func (s *SessionStore) newSession(userID, appID string, kind SessionKind) (RefreshSession, string, error) {
	raw, hash, err := credential.GenerateRefreshSecret()
	if err != nil {
		return RefreshSession{}, "", err
	}
	now := s.now().UTC()
	return RefreshSession{
		ID:         ids.NewUUID(),
		UserID:     userID,
		AppID:      appID,
		SecretHash: hash,
		Kind:       kind,
		Status:     SessionActive,
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.ttl(kind)),
		LastUsedAt: now,
	}, raw, nil
}

// FindBySecret hashes raw and returns the matching session, or ErrNotFound.
func (s *SessionStore) FindBySecret(ctx context.Context, raw string) (RefreshSession, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return RefreshSession{}, ErrNotFound
	}
	hash := credential.HashRefreshSecret(raw)
	sess, err := s.store.Sessions(ctx).FindByHash(ctx, hash)
	if err != nil {
		return RefreshSession{}, err
	}
	if !credential.CompareRefreshSecret(sess.SecretHash, raw) {
		return RefreshSession{}, ErrNotFound
	}
	return *sess, nil
}

// MarkRotated marks sess rotated in favour of successorID.
func (s *SessionStore) MarkRotated(ctx context.Context, sess RefreshSession, successorID string) error {
	return s.store.Sessions(ctx).MarkRotated(ctx, sess.ID, successorID, s.now().UTC())
}

// Rotate atomically retires old and inserts its successor in the same lineage.
// When old is no longer active nothing is written and ErrRotationConflict is returned.
func (s *SessionStore) Rotate(ctx context.Context, old RefreshSession) (RefreshSession, string, error) {
	next, raw, err := s.newSession(old.UserID, old.AppID, old.Kind)
	if err != nil {
		return RefreshSession{}, "", err
	}
	next.LineageID = old.LineageID
	if next.LineageID == "" {
		next.LineageID = old.ID
	}
	next.PreviousID = old.ID
	err = s.store.WithinTx(ctx, func(tx Store) error {
		repo := tx.Sessions(ctx)
		if err := repo.MarkRotated(ctx, old.ID, next.ID, next.IssuedAt); err != nil {
			return err
		}
		return repo.Create(ctx, &next)
	})
	if err != nil {
		return RefreshSession{}, "", err
	}
	return next, raw, nil
}

// Revoke revokes a single session. Revoking a revoked session is a no-op.
func (s *SessionStore) Revoke(ctx context.Context, sess RefreshSession) error {
	if sess.Status == SessionRevoked {
		return nil
	}
	return s.store.Sessions(ctx).Revoke(ctx, sess.ID, s.now().UTC())
}

// RevokeLineage revokes every non-revoked session sharing sess's lineage.
func (s *SessionStore) RevokeLineage(ctx context.Context, sess RefreshSession) (int64, error) {
	lineage := sess.LineageID
	if lineage == "" {
		lineage = sess.ID
	}
	var n int64
	err := s.store.WithinTx(ctx, func(tx Store) error {
		var err error
		n, err = tx.Sessions(ctx).RevokeLineage(ctx, sess.UserID, sess.AppID, lineage, s.now().UTC())
		return err
	})
	return n, err
}

// RevokeAllFor revokes every session the user holds for app.
func (s *SessionStore) RevokeAllFor(ctx context.Context, userID, appID string) (int64, error) {
	return s.store.Sessions(ctx).RevokeAllFor(ctx, userID, appID, "", s.now().UTC())
}

// ListActiveForUser returns unexpired active sessions of a user.
func (s *SessionStore) ListActiveForUser(ctx context.Context, userID string) ([]RefreshSession, error) {
	list, err := s.store.Sessions(ctx).ListActiveForUser(ctx, userID, s.now().UTC())
	return derefSessions(list), err
}

// ListActiveForApp returns unexpired active sessions issued for an app.
func (s *SessionStore) ListActiveForApp(ctx context.Context, appID string) ([]RefreshSession, error) {
	list, err := s.store.Sessions(ctx).ListActiveForApp(ctx, appID, s.now().UTC())
	return derefSessions(list), err
}

// Find loads a session by id.
func (s *SessionStore) Find(ctx context.Context, id string) (RefreshSession, error) {
	sess, err := s.store.Sessions(ctx).Find(ctx, id)
	if err != nil {
		return RefreshSession{}, err
	}
	return *sess, nil
}

// Purge deletes sessions that expired before the cutoff.
func (s *SessionStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	if before.IsZero() {
		return 0, errors.New("auth: purge cutoff is required")
	}
	return s.store.Sessions(ctx).DeleteExpired(ctx, before.UTC())
}

func derefSessions(list []*RefreshSession) []RefreshSession {
	out := make([]RefreshSession, 0, len(list))
	for _, s := range list {
		if s != nil {
			out = append(out, *s)
		}
	}
	return out
}
