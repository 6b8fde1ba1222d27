package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"soauth.org/internal/audit"
	"soauth.org/internal/auth"
)

type redeemCodeRequest struct {
	Code         string `json:"code"`
	ClientSecret string `json:"client_secret"`
}

type exchangeRequest struct {
	RefreshToken string `json:"refresh_token"`
	AppID        string `json:"app_id"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type appRequest struct {
	AppID string `json:"app_id"`
}

func (a *API) handleStartLogin(w http.ResponseWriter, r *http.Request) {
	if a.provider == nil {
		writeError(w, r, http.StatusServiceUnavailable, "login provider is not configured")
		return
	}
	req, state, err := a.service.StartLogin(r.Context(), chi.URLParam(r, "appID"), r.URL.Query().Get("redirect_to"))
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	target, err := a.provider.AuthCodeURL(state)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	a.logger.Info("login.started", zap.String("login_id", req.ID), zap.String("app_id", req.AppID))
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *API) handleProviderCallback(w http.ResponseWriter, r *http.Request) {
	if a.provider == nil {
		writeError(w, r, http.StatusServiceUnavailable, "login provider is not configured")
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeError(w, r, http.StatusUnauthorized, "provider denied login: "+e)
		return
	}
	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		writeError(w, r, http.StatusBadRequest, "code and state are required")
		return
	}
	identity, err := a.provider.Exchange(r.Context(), code)
	if err != nil {
		a.logger.Warn("login.provider_failed", zap.Error(err))
		writeError(w, r, http.StatusBadGateway, "could not authenticate with provider")
		return
	}
	target, err := a.service.CompleteLogin(r.Context(), state, identity)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "login.completed", map[string]any{
		"username": strings.ToLower(identity.Username),
	})
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *API) handleRedeemCode(w http.ResponseWriter, r *http.Request) {
	var req redeemCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pair, err := a.service.RedeemCode(r.Context(), req.Code, req.ClientSecret)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleExchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	fromCookie := false
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.RefreshToken == "" {
		if c, err := r.Cookie(refreshCookie); err == nil {
			req.RefreshToken = c.Value
			fromCookie = true
		}
	}
	if req.RefreshToken == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}
	if req.AppID == "" {
		req.AppID = a.serverAppID
	}
	pair, err := a.service.Exchange(r.Context(), req.RefreshToken, req.AppID)
	if err != nil {
		if errors.Is(err, auth.ErrReuseDetected) {
			_ = audit.LogEvent(r.Context(), "session.reuse_detected", map[string]any{"app_id": req.AppID})
		}
		if fromCookie {
			a.clearTokenCookies(w)
		}
		a.writeAuthError(w, r, err)
		return
	}
	if fromCookie {
		a.setTokenCookies(w, pair)
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.RefreshToken == "" {
		if c, err := r.Cookie(refreshCookie); err == nil {
			req.RefreshToken = c.Value
		}
	}
	a.clearTokenCookies(w)
	if req.RefreshToken == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}
	if err := a.service.Logout(r.Context(), req.RefreshToken); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	cred, _ := auth.CredentialFromContext(r.Context())
	writeJSON(w, http.StatusOK, cred)
}

func (a *API) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req appRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.AppID == "" {
		req.AppID = a.serverAppID
	}
	userID := auth.UserIDFromContext(r.Context())
	pair, err := a.service.CreateAPIKey(r.Context(), userID, req.AppID)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "session.api_key_created", map[string]any{"app_id": req.AppID})
	writeJSON(w, http.StatusCreated, pair)
}

func (a *API) handleLogoutEverywhere(w http.ResponseWriter, r *http.Request) {
	var req appRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.AppID == "" {
		req.AppID = a.serverAppID
	}
	n, err := a.service.LogoutEverywhere(r.Context(), auth.UserIDFromContext(r.Context()), req.AppID)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	if req.AppID == a.serverAppID {
		a.clearTokenCookies(w)
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
}

func (a *API) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	app, pem, err := a.apps.PublicKey(r.Context(), chi.URLParam(r, "appID"))
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"app_id":     app.ID,
		"key_id":     app.KeyID,
		"algorithm":  "EdDSA",
		"public_key": string(pem),
	})
}
