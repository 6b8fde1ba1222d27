package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"soauth.org/internal/audit"
	"soauth.org/internal/auth"
)

type grantRequest struct {
	Grant string `json:"grant"`
}

type createGroupRequest struct {
	Name   string   `json:"name"`
	Grants []string `json:"grants"`
}

type memberRequest struct {
	UserID string `json:"user_id"`
}

type createAppRequest struct {
	Name            string `json:"name"`
	Domain          string `json:"domain"`
	RedirectURL     string `json:"redirect_url"`
	APIAccess       bool   `json:"api_access"`
	VisibilityGrant string `json:"visibility_grant"`
}

type createAppResponse struct {
	App          auth.App `json:"app"`
	ClientSecret string   `json:"client_secret"`
}

// --- users ---

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.admin.ListUsers(r.Context())
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := a.admin.FindUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	data, err := a.admin.UserData(r.Context(), user.ID)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user, "data": data})
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := a.admin.DeleteUser(r.Context(), userID); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	a.audit(r, "admin.user.delete", map[string]any{"target_user_id": userID})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAddUserGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID := chi.URLParam(r, "userID")
	if err := a.admin.AddUserGrant(r.Context(), userID, req.Grant); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	a.audit(r, "admin.user.grant.add", map[string]any{"target_user_id": userID, "grant": req.Grant})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRemoveUserGrant(w http.ResponseWriter, r *http.Request) {
	userID, grant := chi.URLParam(r, "userID"), chi.URLParam(r, "grant")
	if err := a.admin.RemoveUserGrant(r.Context(), userID, grant); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	a.audit(r, "admin.user.grant.remove", map[string]any{"target_user_id": userID, "grant": grant})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUserSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.service.ListSessionsForUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// --- groups ---

func (a *API) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := a.admin.ListGroups(r.Context())
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (a *API) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	group, err := a.admin.CreateGroup(r.Context(), req.Name, auth.UserIDFromContext(r.Context()), req.Grants)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	a.audit(r, "admin.group.create", map[string]any{"group_id": group.ID, "name": group.Name})
	w.Header().Set("Location", fmt.Sprintf("/v1/admin/groups/%s", group.ID))
	writeJSON(w, http.StatusCreated, group)
}

func (a *API) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	group, members, err := a.admin.GetGroup(r.Context(), chi.URLParam(r, "groupID"))
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"group": group, "members": members})
}

func (a *API) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	if err := a.admin.DeleteGroup(r.Context(), groupID); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	a.audit(r, "admin.group.delete", map[string]any{"group_id": groupID})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAddGroupMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	groupID := chi.URLParam(r, "groupID")
	if err := a.admin.AddGroupMember(r.Context(), groupID, req.UserID); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	a.audit(r, "admin.group.member.add", map[string]any{"group_id": groupID, "target_user_id": req.UserID})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRemoveGroupMember(w http.ResponseWriter, r *http.Request) {
	groupID, userID := chi.URLParam(r, "groupID"), chi.URLParam(r, "userID")
	if err := a.admin.RemoveGroupMember(r.Context(), groupID, userID); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	a.audit(r, "admin.group.member.remove", map[string]any{"group_id": groupID, "target_user_id": userID})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAddGroupGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	groupID := chi.URLParam(r, "groupID")
	if err := a.admin.AddGroupGrant(r.Context(), groupID, req.Grant); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	a.audit(r, "admin.group.grant.add", map[string]any{"group_id": groupID, "grant": req.Grant})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRemoveGroupGrant(w http.ResponseWriter, r *http.Request) {
	groupID, grant := chi.URLParam(r, "groupID"), chi.URLParam(r, "grant")
	if err := a.admin.RemoveGroupGrant(r.Context(), groupID, grant); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	a.audit(r, "admin.group.grant.remove", map[string]any{"group_id": groupID, "grant": grant})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := a.service.RevokeSession(r.Context(), sessionID); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	a.audit(r, "admin.session.revoke", map[string]any{"session_id": sessionID})
	w.WriteHeader(http.StatusNoContent)
}

// --- apps ---

func (a *API) handleListApps(w http.ResponseWriter, r *http.Request) {
	apps, err := a.apps.List(r.Context())
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"apps": apps})
}

func (a *API) handleCreateApp(w http.ResponseWriter, r *http.Request) {
	var req createAppRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	app, secret, err := a.apps.CreateApp(r.Context(), auth.NewApp{
		Name:            req.Name,
		Domain:          req.Domain,
		RedirectURL:     req.RedirectURL,
		CreatedBy:       auth.UserIDFromContext(r.Context()),
		APIAccess:       req.APIAccess,
		VisibilityGrant: req.VisibilityGrant,
	})
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	a.audit(r, "apps.create", map[string]any{"app_id": app.ID, "name": app.Name})
	w.Header().Set("Location", fmt.Sprintf("/v1/apps/%s", app.ID))
	writeJSON(w, http.StatusCreated, createAppResponse{App: app, ClientSecret: secret})
}

func (a *API) handleGetApp(w http.ResponseWriter, r *http.Request) {
	app, err := a.apps.Get(r.Context(), chi.URLParam(r, "appID"))
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (a *API) handleDeleteApp(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")
	if appID == a.serverAppID {
		writeError(w, r, http.StatusConflict, "the server app cannot be deleted")
		return
	}
	if err := a.apps.Delete(r.Context(), appID); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	a.audit(r, "apps.delete", map[string]any{"app_id": appID})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRegenerateAppKeys(w http.ResponseWriter, r *http.Request) {
	app, err := a.apps.RegenerateKeys(r.Context(), chi.URLParam(r, "appID"))
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	a.audit(r, "apps.keys.regenerate", map[string]any{"app_id": app.ID, "key_id": app.KeyID})
	writeJSON(w, http.StatusOK, app)
}

func (a *API) handleRotateClientSecret(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")
	secret, err := a.apps.RotateClientSecret(r.Context(), appID)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	a.audit(r, "apps.secret.rotate", map[string]any{"app_id": appID})
	writeJSON(w, http.StatusOK, map[string]any{"app_id": appID, "client_secret": secret})
}

func (a *API) handleAppSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.service.ListSessionsForApp(r.Context(), chi.URLParam(r, "appID"))
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (a *API) audit(r *http.Request, event string, fields map[string]any) {
	_ = audit.LogEvent(r.Context(), event, fields)
}
