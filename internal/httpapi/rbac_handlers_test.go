package httpapi

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soauth.org/internal/auth"
)

func TestAdminRoutesRequireAdminGrant(t *testing.T) {
	env := newTestEnv(t)
	pair := env.tokens()

	resp := env.do(http.MethodGet, "/v1/admin/users", nil, withBearer(pair.AccessToken))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(http.MethodGet, "/v1/apps", nil, withBearer(pair.AccessToken))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(http.MethodGet, "/v1/admin/users", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminUserGrants(t *testing.T) {
	env := newTestEnv(t)
	pair := env.tokens(auth.GrantAdmin)
	token := withBearer(pair.AccessToken)

	resp := env.do(http.MethodGet, "/v1/admin/users", nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	users := decode[map[string][]auth.User](t, resp)
	require.Len(t, users["users"], 1)
	assert.Equal(t, "alice", users["users"][0].Username)

	resp = env.do(http.MethodPost, "/v1/admin/users/"+env.alice.ID+"/grants", map[string]string{"grant": "Beta"}, token)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(http.MethodGet, "/v1/admin/users/alice", nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decode[struct {
		User auth.User `json:"user"`
		Data struct {
			Grants []string `json:"grants"`
		} `json:"data"`
	}](t, resp)
	assert.Equal(t, env.alice.ID, detail.User.ID)
	assert.Equal(t, []string{"admin", "beta"}, detail.Data.Grants)

	resp = env.do(http.MethodDelete, "/v1/admin/users/"+env.alice.ID+"/grants/beta", nil, token)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(http.MethodDelete, "/v1/admin/users/"+env.alice.ID+"/grants/beta", nil, token)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(http.MethodPost, "/v1/admin/users/"+env.alice.ID+"/grants", map[string]string{"grant": "two words"}, token)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(http.MethodPost, "/v1/admin/users/"+env.alice.ID+"/grants", map[string]any{"grant": "x", "extra": 1}, token)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(http.MethodGet, "/v1/admin/users/"+env.alice.ID+"/sessions", nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessions := decode[map[string][]auth.RefreshSession](t, resp)
	require.Len(t, sessions["sessions"], 1)

	resp = env.do(http.MethodDelete, "/v1/admin/sessions/"+sessions["sessions"][0].ID, nil, token)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(http.MethodPost, "/v1/exchange", map[string]string{"refresh_token": pair.RefreshToken}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminGroups(t *testing.T) {
	env := newTestEnv(t)
	token := withBearer(env.tokens(auth.GrantAdmin).AccessToken)

	resp := env.do(http.MethodPost, "/v1/admin/groups", map[string]any{"name": "Data Team", "grants": []string{"beta"}}, token)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	group := decode[auth.Group](t, resp)
	assert.Equal(t, "data_team", group.Name)
	assert.Equal(t, []string{"beta"}, group.Grants)
	assert.Equal(t, env.alice.ID, group.CreatedBy)

	resp = env.do(http.MethodPost, "/v1/admin/groups", map[string]any{"name": "data team"}, token)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(http.MethodPost, "/v1/admin/groups/"+group.ID+"/members", map[string]string{"user_id": env.alice.ID}, token)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(http.MethodPost, "/v1/admin/groups/"+group.ID+"/grants", map[string]string{"grant": "gamma"}, token)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(http.MethodGet, "/v1/admin/groups/"+group.ID, nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decode[struct {
		Group   auth.Group `json:"group"`
		Members []string   `json:"members"`
	}](t, resp)
	assert.Equal(t, []string{env.alice.ID}, detail.Members)
	assert.ElementsMatch(t, []string{"beta", "gamma"}, detail.Group.Grants)

	resp = env.do(http.MethodDelete, "/v1/admin/groups/"+group.ID+"/grants/gamma", nil, token)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(http.MethodDelete, "/v1/admin/groups/"+group.ID+"/members/"+env.alice.ID, nil, token)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(http.MethodDelete, "/v1/admin/groups/"+group.ID+"/members/"+env.alice.ID, nil, token)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(http.MethodDelete, "/v1/admin/groups/"+group.ID, nil, token)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(http.MethodGet, "/v1/admin/groups/"+group.ID, nil, token)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAppManagerCanManageApps(t *testing.T) {
	env := newTestEnv(t)
	token := withBearer(env.tokens(auth.GrantAppManager).AccessToken)

	resp := env.do(http.MethodPost, "/v1/apps", map[string]any{
		"name":             "newapp",
		"domain":           "https://new.example.org",
		"visibility_grant": "beta",
	}, token)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[createAppResponse](t, resp)
	assert.NotEmpty(t, created.ClientSecret)
	assert.Equal(t, "https://new.example.org", created.App.RedirectURL)
	assert.Equal(t, "beta", created.App.VisibilityGrant)

	resp = env.do(http.MethodGet, "/v1/apps", nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[map[string][]auth.App](t, resp)
	assert.Len(t, list["apps"], 3)

	resp = env.do(http.MethodPost, "/v1/apps/"+created.App.ID+"/keys", nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	regenerated := decode[auth.App](t, resp)
	assert.NotEqual(t, created.App.KeyID, regenerated.KeyID)

	resp = env.do(http.MethodPost, "/v1/apps/"+created.App.ID+"/secret", nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rotated := decode[map[string]string](t, resp)
	assert.NotEqual(t, created.ClientSecret, rotated["client_secret"])

	resp = env.do(http.MethodGet, "/v1/apps/"+created.App.ID+"/sessions", nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(http.MethodDelete, "/v1/apps/"+env.serverApp.ID, nil, token)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(http.MethodDelete, "/v1/apps/"+created.App.ID, nil, token)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(http.MethodGet, "/v1/apps/"+created.App.ID, nil, token)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(http.MethodPost, "/v1/apps", map[string]any{"name": "bad", "domain": "not a url"}, token)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
