package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soauth.org/internal/auth"
	"soauth.org/internal/keys"
	"soauth.org/internal/migrate"
	"soauth.org/internal/store"
	"soauth.org/internal/store/sqlite"
	"soauth.org/internal/store/storetest"
)

func seedUserAndApp(t *testing.T, st *store.Store) (*auth.User, *auth.App) {
	t.Helper()
	ctx := context.Background()
	user := &auth.User{Username: "alice", FullName: "Alice"}
	require.NoError(t, st.Users(ctx).Create(ctx, user))
	app := &auth.App{
		Name:             "myapp",
		Domain:           "https://myapp.example.org",
		RedirectURL:      "https://myapp.example.org/callback",
		KeyID:            "k1",
		PublicKey:        []byte("pub"),
		SealedKey:        []byte("sealed"),
		ClientSecretHash: "hash",
		APIAccess:        true,
		VisibilityGrant:  "beta",
	}
	require.NoError(t, st.Apps(ctx).Create(ctx, app))
	return user, app
}

func TestUsersAndGrants(t *testing.T) {
	t.Parallel()
	st := storetest.NewSQLite(t)
	ctx := context.Background()
	user, _ := seedUserAndApp(t, st)

	dup := &auth.User{Username: "alice"}
	err := st.Users(ctx).Create(ctx, dup)
	assert.ErrorIs(t, err, auth.ErrConflict)

	added, err := st.Users(ctx).AddGrant(ctx, user.ID, "beta")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = st.Users(ctx).AddGrant(ctx, user.ID, "beta")
	require.NoError(t, err)
	assert.False(t, added, "second insert must be a no-op")

	grants, err := st.Users(ctx).Grants(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"beta"}, grants)

	removed, err := st.Users(ctx).RemoveGrant(ctx, user.ID, "beta")
	require.NoError(t, err)
	assert.True(t, removed)

	found, err := st.Users(ctx).FindByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, user.ID, found.ID)
	assert.Equal(t, "Alice", found.FullName)

	_, err = st.Users(ctx).Find(ctx, "missing")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestGroupsForUser(t *testing.T) {
	t.Parallel()
	st := storetest.NewSQLite(t)
	ctx := context.Background()
	user, _ := seedUserAndApp(t, st)

	g := &auth.Group{Name: "simonsobs"}
	require.NoError(t, st.Groups(ctx).Create(ctx, g))
	_, err := st.Groups(ctx).AddGrant(ctx, g.ID, "telescope")
	require.NoError(t, err)
	joined, err := st.Groups(ctx).AddMember(ctx, g.ID, user.ID)
	require.NoError(t, err)
	assert.True(t, joined)

	groups, err := st.Groups(ctx).ForUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "simonsobs", groups[0].Name)
	assert.Equal(t, []string{"telescope"}, groups[0].Grants)

	members, err := st.Groups(ctx).Members(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{user.ID}, members)

	err = st.Groups(ctx).Create(ctx, &auth.Group{Name: "simonsobs"})
	assert.ErrorIs(t, err, auth.ErrConflict)
}

func newSession(id, userID, appID, hash string, now time.Time) *auth.RefreshSession {
	return &auth.RefreshSession{
		ID:         id,
		UserID:     userID,
		AppID:      appID,
		SecretHash: hash,
		Kind:       auth.SessionKindLogin,
		Status:     auth.SessionActive,
		LineageID:  id,
		IssuedAt:   now,
		ExpiresAt:  now.Add(time.Hour),
		LastUsedAt: now,
	}
}

func TestSessionRotationAndCascade(t *testing.T) {
	t.Parallel()
	st := storetest.NewSQLite(t)
	ctx := context.Background()
	user, app := seedUserAndApp(t, st)
	now := time.Now().UTC().Truncate(time.Millisecond)

	repo := st.Sessions(ctx)
	require.NoError(t, repo.Create(ctx, newSession("s1", user.ID, app.ID, "h1", now)))

	got, err := repo.FindByHash(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, auth.SessionActive, got.Status)
	assert.True(t, got.ExpiresAt.Equal(now.Add(time.Hour)))

	require.NoError(t, repo.MarkRotated(ctx, "s1", "s2", now))
	assert.ErrorIs(t, repo.MarkRotated(ctx, "s1", "s3", now), auth.ErrRotationConflict)

	next := newSession("s2", user.ID, app.ID, "h2", now)
	next.LineageID = "s1"
	next.PreviousID = "s1"
	require.NoError(t, repo.Create(ctx, next))

	active, err := repo.ListActiveForUser(ctx, user.ID, now)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "s2", active[0].ID)

	n, err := repo.RevokeLineage(ctx, user.ID, app.ID, "s1", now)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	require.NoError(t, st.Users(ctx).Delete(ctx, user.ID))
	_, err = repo.Find(ctx, "s2")
	assert.ErrorIs(t, err, auth.ErrNotFound, "sessions cascade with their user")
}

func TestLoginRequests(t *testing.T) {
	t.Parallel()
	st := storetest.NewSQLite(t)
	ctx := context.Background()
	user, app := seedUserAndApp(t, st)
	now := time.Now().UTC()

	logins := st.Logins(ctx)
	require.NoError(t, logins.Create(ctx, &auth.LoginRequest{ID: "l1", AppID: app.ID, RedirectTo: app.RedirectURL, InitiatedAt: now}))
	require.NoError(t, logins.Complete(ctx, "l1", user.ID, "code-hash", now))
	assert.ErrorIs(t, logins.Complete(ctx, "l1", user.ID, "other", now), auth.ErrConflict)

	req, err := logins.FindByCode(ctx, "code-hash")
	require.NoError(t, err)
	assert.Equal(t, user.ID, req.UserID)
	require.NotNil(t, req.CompletedAt)

	require.NoError(t, logins.Redeem(ctx, "l1", now))
	assert.ErrorIs(t, logins.Redeem(ctx, "l1", now), auth.ErrConflict)

	require.NoError(t, logins.Create(ctx, &auth.LoginRequest{ID: "l2", AppID: app.ID, RedirectTo: app.RedirectURL, InitiatedAt: now.Add(-time.Hour)}))
	stale, err := logins.MarkStale(ctx, now.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, stale)
	l2, err := logins.Find(ctx, "l2")
	require.NoError(t, err)
	assert.True(t, l2.Stale)

	deleted, err := logins.DeleteBefore(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
}

func TestKeyStore(t *testing.T) {
	t.Parallel()
	st := storetest.NewSQLite(t)
	ctx := context.Background()

	_, err := st.Keys(ctx).LoadKey(ctx, "server")
	assert.True(t, errors.Is(err, keys.ErrNotFound))

	km, created, err := keys.LoadOrGenerate(ctx, st.Keys(ctx), "server", "pw")
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := keys.LoadOrGenerate(ctx, st.Keys(ctx), "server", "pw")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, km.ID(), again.ID())

	regenerated, err := keys.Regenerate(ctx, st.Keys(ctx), "server", "pw")
	require.NoError(t, err)
	assert.NotEqual(t, km.ID(), regenerated.ID())
}

func TestMigrateDownAndStatus(t *testing.T) {
	t.Parallel()
	st := storetest.NewSQLite(t)
	ctx := context.Background()

	m, err := migrate.NewManager(st.DB(), sqlite.Dialect.Name)
	require.NoError(t, err)
	status, err := m.Status(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, status)
	assert.True(t, status[0].Applied)

	version, err := m.Down(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, version)

	n, err := m.Up(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
