package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"soauth.org/internal/auth"
	"soauth.org/internal/keys"
	"soauth.org/internal/store/storetest"
)

const testKeyPassword = "test-password"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeProvider struct {
	identity auth.RemoteIdentity
}

func (p *fakeProvider) AuthCodeURL(state string) (string, error) {
	return "https://github.example/login/oauth/authorize?state=" + url.QueryEscape(state), nil
}

func (p *fakeProvider) Exchange(_ context.Context, code string) (auth.RemoteIdentity, error) {
	if code != "good-code" {
		return auth.RemoteIdentity{}, auth.ErrUnauthorized
	}
	return p.identity, nil
}

type testEnv struct {
	t             *testing.T
	clock         *testClock
	svc           *auth.Service
	apps          *auth.AppService
	admin         *auth.AdminService
	serverApp     auth.App
	userApp       auth.App
	userAppSecret string
	alice         auth.User
	srv           *httptest.Server
	client        *http.Client
}

func newTestEnv(t *testing.T, opts ...func(*Config)) *testEnv {
	t.Helper()
	ctx := context.Background()
	st := storetest.NewSQLite(t)
	env := &testEnv{t: t, clock: &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}}

	var err error
	env.apps, err = auth.NewAppService(st, testKeyPassword, auth.WithAppClock(env.clock.Now))
	require.NoError(t, err)
	env.admin, err = auth.NewAdminService(st, nil)
	require.NoError(t, err)
	stateKey, err := keys.Generate()
	require.NoError(t, err)
	env.svc, err = auth.NewService(st, env.apps,
		auth.WithClock(env.clock.Now),
		auth.WithStateKey(stateKey),
		auth.WithAccessTTL(time.Hour),
		auth.WithRefreshTTL(24*time.Hour),
	)
	require.NoError(t, err)

	env.serverApp, _, err = env.apps.CreateApp(ctx, auth.NewApp{
		Name: "soauth", Domain: "https://auth.example.org", APIAccess: true,
	})
	require.NoError(t, err)
	env.userApp, env.userAppSecret, err = env.apps.CreateApp(ctx, auth.NewApp{
		Name:        "myapp",
		Domain:      "https://myapp.example.org",
		RedirectURL: "https://myapp.example.org/callback",
	})
	require.NoError(t, err)
	env.alice, _, err = env.admin.EnsureUser(ctx, "alice")
	require.NoError(t, err)

	cfg := Config{
		Service:     env.svc,
		Apps:        env.apps,
		Admin:       env.admin,
		Provider:    &fakeProvider{identity: auth.RemoteIdentity{Username: "Bob", Organizations: []string{"simonsobs"}}},
		ServerAppID: env.serverApp.ID,
		Version:     "test",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	api, err := New(cfg)
	require.NoError(t, err)

	env.srv = httptest.NewServer(api.Handler())
	t.Cleanup(env.srv.Close)
	env.client = env.srv.Client()
	env.client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return env
}

// tokens logs alice into the server app, optionally granting first.
func (e *testEnv) tokens(grants ...string) auth.TokenPair {
	e.t.Helper()
	ctx := context.Background()
	for _, g := range grants {
		require.NoError(e.t, e.admin.AddUserGrant(ctx, e.alice.ID, g))
	}
	pair, err := e.svc.FirstIssue(ctx, e.alice.ID, e.serverApp.ID, auth.SessionKindLogin)
	require.NoError(e.t, err)
	return pair
}

func (e *testEnv) do(method, path string, body any, mutate func(*http.Request)) *http.Response {
	e.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(e.t, err)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, bytes.NewReader(payload))
	require.NoError(e.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if mutate != nil {
		mutate(req)
	}
	resp, err := e.client.Do(req)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func withBearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set(authHeader, "Bearer "+token) }
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(r.Body).Decode(&v))
	return v
}
