package auth_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"soauth.org/internal/auth"
	"soauth.org/internal/keys"
	"soauth.org/internal/store"
	"soauth.org/internal/store/storetest"
)

const testKeyPassword = "test-password"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeOracle struct {
	mu      sync.Mutex
	members map[string]bool
	err     error
	delay   time.Duration
	calls   int
}

func newOracle() *fakeOracle { return &fakeOracle{members: map[string]bool{}} }

func (o *fakeOracle) Set(org string, member bool) {
	o.mu.Lock()
	o.members[org] = member
	o.mu.Unlock()
}

func (o *fakeOracle) Fail(err error) {
	o.mu.Lock()
	o.err = err
	o.mu.Unlock()
}

func (o *fakeOracle) IsMember(ctx context.Context, _ auth.User, org string) (bool, error) {
	o.mu.Lock()
	o.calls++
	delay, err, member := o.delay, o.err, o.members[org]
	o.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if err != nil {
		return false, err
	}
	return member, nil
}

var errOracleDown = errors.New("oracle down")

type fixture struct {
	st     *store.Store
	clock  *fakeClock
	oracle *fakeOracle
	rec    *auth.Reconciler
	apps   *auth.AppService
	admin  *auth.AdminService
	svc    *auth.Service
	state  *keys.Manager
	user   auth.User
	app    auth.App
	secret string
}

func newFixture(t *testing.T, orgs []string, opts ...auth.ServiceOption) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{st: storetest.NewSQLite(t), clock: newClock(), oracle: newOracle()}

	var err error
	f.apps, err = auth.NewAppService(f.st, testKeyPassword, auth.WithAppClock(f.clock.Now), auth.WithAppIssuer("https://auth.example.org"))
	if err != nil {
		t.Fatalf("app service: %v", err)
	}
	f.admin, err = auth.NewAdminService(f.st, nil)
	if err != nil {
		t.Fatalf("admin service: %v", err)
	}
	f.rec = auth.NewReconciler(f.st, f.oracle, orgs, auth.WithOracleTimeout(200*time.Millisecond))
	if err := f.rec.EnsureGroups(ctx); err != nil {
		t.Fatalf("ensure groups: %v", err)
	}
	f.state, err = keys.Generate()
	if err != nil {
		t.Fatalf("state key: %v", err)
	}
	base := []auth.ServiceOption{
		auth.WithClock(f.clock.Now),
		auth.WithReconciler(f.rec),
		auth.WithStateKey(f.state),
		auth.WithAccessTTL(time.Hour),
		auth.WithRefreshTTL(24 * time.Hour),
		auth.WithAPIKeyTTL(7 * 24 * time.Hour),
	}
	f.svc, err = auth.NewService(f.st, f.apps, append(base, opts...)...)
	if err != nil {
		t.Fatalf("service: %v", err)
	}

	f.user, _, err = f.admin.EnsureUser(ctx, "alice")
	if err != nil {
		t.Fatalf("user: %v", err)
	}
	f.app, f.secret, err = f.apps.CreateApp(ctx, auth.NewApp{
		Name:        "myapp",
		Domain:      "https://myapp.example.org",
		RedirectURL: "https://myapp.example.org/callback",
		APIAccess:   true,
	})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	return f
}

func (f *fixture) login(t *testing.T) auth.TokenPair {
	t.Helper()
	pair, err := f.svc.FirstIssue(context.Background(), f.user.ID, f.app.ID, auth.SessionKindLogin)
	if err != nil {
		t.Fatalf("first issue: %v", err)
	}
	return pair
}
