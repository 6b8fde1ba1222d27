package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"soauth.org/internal/auth"
)

const (
	authHeader    = "Authorization"
	bearer        = "Bearer "
	accessCookie  = "access_token"
	refreshCookie = "refresh_token"
)

var errForbidden = errors.New("httpapi: forbidden")

// authenticate accepts a Bearer header or the access_token cookie. An expired
// cookie credential is renewed through the refresh_token cookie.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		access, err := accessToken(r)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		refresh := ""
		if c, err := r.Cookie(refreshCookie); err == nil {
			refresh = c.Value
		}
		if access == "" && refresh == "" {
			writeError(w, r, http.StatusUnauthorized, "missing credentials")
			return
		}

		cred, pair, err := a.service.Authenticate(r.Context(), a.serverAppID, access, refresh)
		if err != nil {
			if refresh != "" {
				a.clearTokenCookies(w)
			}
			a.writeAuthError(w, r, err)
			return
		}
		if pair != nil {
			a.setTokenCookies(w, *pair)
			access = pair.AccessToken
		}
		ctx := auth.ContextWithCredential(r.Context(), cred)
		ctx = auth.ContextWithToken(ctx, access)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireGrant admits credentials carrying any of grants.
func requireGrant(grants ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred, ok := auth.CredentialFromContext(r.Context())
			if !ok {
				writeError(w, r, http.StatusUnauthorized, "missing credentials")
				return
			}
			if auth.EvaluateAny(cred, grants...) != auth.Allowed {
				writeError(w, r, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func accessToken(r *http.Request) (string, error) {
	if header := r.Header.Get(authHeader); header != "" {
		return extractBearerToken(header)
	}
	if c, err := r.Cookie(accessCookie); err == nil {
		return strings.TrimSpace(c.Value), nil
	}
	return "", nil
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func (a *API) setTokenCookies(w http.ResponseWriter, pair auth.TokenPair) {
	http.SetCookie(w, a.cookie(accessCookie, pair.AccessToken, pair.AccessExpiresAt))
	http.SetCookie(w, a.cookie(refreshCookie, pair.RefreshToken, pair.RefreshExpiresAt))
}

func (a *API) clearTokenCookies(w http.ResponseWriter) {
	for _, name := range []string{accessCookie, refreshCookie} {
		c := a.cookie(name, "", time.Unix(0, 0))
		c.MaxAge = -1
		http.SetCookie(w, c)
	}
}

func (a *API) cookie(name, value string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteLaxMode,
	}
}
