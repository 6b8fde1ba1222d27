package app

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"soauth.org/internal/auth"
	"soauth.org/internal/config"
	"soauth.org/internal/store/sqlite"
)

// useTempDatabase points every command at a fresh SQLite file and returns a
// constructor for a setup env on the same file.
func useTempDatabase(t *testing.T) func() *env {
	t.Helper()
	path := filepath.Join(t.TempDir(), "soauth.db")
	cfg := config.Config{Hostname: "https://auth.example.org", KeyPassword: "correct horse"}
	open := func(ctx context.Context) (*env, error) {
		st, err := sqlite.New(ctx, path)
		if err != nil {
			return nil, err
		}
		return newEnv(cfg, st, zap.NewNop())
	}
	prev := openEnv
	openEnv = open
	t.Cleanup(func() { openEnv = prev })
	return func() *env {
		e, err := open(context.Background())
		require.NoError(t, err)
		t.Cleanup(e.Close)
		return e
	}
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var buf bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	require.NoError(t, cmd.ExecuteContext(context.Background()), buf.String())
	return buf.String()
}

func TestMigrateUpAndStatus(t *testing.T) {
	useTempDatabase(t)

	out := run(t, "migrate", "up")
	require.Contains(t, out, "applied")
	require.NotContains(t, out, "applied 0 ")

	out = run(t, "migrate", "up")
	require.Contains(t, out, "applied 0 migration(s)")

	out = run(t, "migrate", "status")
	require.Contains(t, out, "VERSION")
	require.Contains(t, out, "true")
}

func TestGrantAddRemove(t *testing.T) {
	setup := useTempDatabase(t)
	run(t, "migrate", "up")
	ctx := context.Background()
	e := setup()
	alice, _, err := e.admin.EnsureUser(ctx, "alice")
	require.NoError(t, err)

	require.Contains(t, run(t, "grant", "add", "alice", "admin"), `granted "admin" to alice`)
	data, err := e.admin.UserData(ctx, alice.ID)
	require.NoError(t, err)
	require.Contains(t, data.Grants, "admin")

	run(t, "grant", "remove", alice.ID, "admin")
	data, err = e.admin.UserData(ctx, alice.ID)
	require.NoError(t, err)
	require.NotContains(t, data.Grants, "admin")
}

func TestGrantUnknownUser(t *testing.T) {
	useTempDatabase(t)
	run(t, "migrate", "up")

	cmd := NewRootCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs([]string{"grant", "add", "nobody", "admin"})
	require.Error(t, cmd.ExecuteContext(context.Background()))
}

func TestAppsAndKeys(t *testing.T) {
	setup := useTempDatabase(t)
	run(t, "migrate", "up")
	ctx := context.Background()
	e := setup()
	app, _, err := e.apps.CreateApp(ctx, auth.NewApp{Name: "myapp", Domain: "https://myapp.example.org"})
	require.NoError(t, err)

	require.Contains(t, run(t, "apps", "list"), "myapp")

	secret := strings.TrimSpace(run(t, "apps", "rotate-secret", app.ID))
	require.NotEmpty(t, secret)
	current, err := e.apps.Get(ctx, app.ID)
	require.NoError(t, err)
	require.NoError(t, e.apps.CheckClientSecret(current, secret))

	require.Contains(t, run(t, "keys", "regenerate"), "regenerated server key")
	require.Contains(t, run(t, "keys", "regenerate", "--app", app.ID), "regenerated key for app myapp")
	rotated, err := e.apps.Get(ctx, app.ID)
	require.NoError(t, err)
	require.NotEqual(t, app.KeyID, rotated.KeyID)
}

func TestSessionsRevokeAll(t *testing.T) {
	setup := useTempDatabase(t)
	run(t, "migrate", "up")
	ctx := context.Background()
	e := setup()
	alice, _, err := e.admin.EnsureUser(ctx, "alice")
	require.NoError(t, err)
	app, _, err := e.apps.CreateApp(ctx, auth.NewApp{Name: "cli", Domain: "https://cli.example.org", APIAccess: true})
	require.NoError(t, err)
	for range 2 {
		_, err := e.svc.CreateAPIKey(ctx, alice.ID, app.ID)
		require.NoError(t, err)
	}

	out := run(t, "sessions", "list", "alice")
	require.Equal(t, 2, strings.Count(out, app.ID))

	require.Contains(t, run(t, "sessions", "revoke-all", "alice", app.ID), "revoked 2 session(s)")
}
