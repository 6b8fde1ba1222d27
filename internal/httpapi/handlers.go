package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"soauth.org/internal/auth"
	"soauth.org/internal/credential"
	"soauth.org/internal/obs"
	"soauth.org/internal/ratelimit"
)

const (
	serviceName         = "soauth"
	defaultMaxBodyBytes = 1 << 20
)

// ReadyProbe reports readiness by pinging the database.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// LoginProvider is the upstream identity provider used by the login flow.
type LoginProvider interface {
	AuthCodeURL(state string) (string, error)
	Exchange(ctx context.Context, code string) (auth.RemoteIdentity, error)
}

// Config wires the HTTP layer to the services behind it.
type Config struct {
	Service  *auth.Service
	Apps     *auth.AppService
	Admin    *auth.AdminService
	Provider LoginProvider
	Ready    readinessChecker
	Limiter  ratelimit.Limiter
	Logger   *zap.Logger

	// ServerAppID is the app whose credentials authenticate calls to this API.
	ServerAppID   string
	Version       string
	SecureCookies bool
	MaxBodyBytes  int64
}

// API is the HTTP layer.
type API struct {
	service  *auth.Service
	apps     *auth.AppService
	admin    *auth.AdminService
	provider LoginProvider
	ready    readinessChecker
	limiter  ratelimit.Limiter
	logger   *zap.Logger

	serverAppID   string
	version       string
	secureCookies bool
	maxBodyBytes  int64
}

func New(cfg Config) (*API, error) {
	if cfg.Service == nil || cfg.Apps == nil || cfg.Admin == nil {
		return nil, errors.New("httpapi: service, apps and admin are required")
	}
	if strings.TrimSpace(cfg.ServerAppID) == "" {
		return nil, errors.New("httpapi: server app id is required")
	}
	a := &API{
		service:       cfg.Service,
		apps:          cfg.Apps,
		admin:         cfg.Admin,
		provider:      cfg.Provider,
		ready:         cfg.Ready,
		limiter:       cfg.Limiter,
		logger:        cfg.Logger,
		serverAppID:   cfg.ServerAppID,
		version:       cfg.Version,
		secureCookies: cfg.SecureCookies,
		maxBodyBytes:  cfg.MaxBodyBytes,
	}
	if a.ready == nil {
		a.ready = ReadyProbe{}
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	if a.maxBodyBytes <= 0 {
		a.maxBodyBytes = defaultMaxBodyBytes
	}
	return a, nil
}

// Handler returns the router with all middleware applied.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		RequestID,
		Logging,
		SecurityHeaders,
		MaxBodyBytes(a.maxBodyBytes),
		obs.Instrument,
	)

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Get("/login/{appID}", a.handleStartLogin)
	r.Get("/github/callback", a.handleProviderCallback)

	r.Group(func(r chi.Router) {
		r.Use(RateLimit(a.limiter, a.logger))
		r.Post("/v1/login/code", a.handleRedeemCode)
		r.Post("/v1/exchange", a.handleExchange)
		r.Post("/v1/logout", a.handleLogout)
	})

	r.Group(func(r chi.Router) {
		r.Use(a.authenticate)
		r.Get("/v1/me", a.handleMe)
		r.Post("/v1/keys", a.handleCreateAPIKey)
		r.Post("/v1/logout/all", a.handleLogoutEverywhere)

		r.Route("/v1/admin", func(r chi.Router) {
			r.Use(requireGrant(auth.GrantAdmin))
			r.Get("/users", a.handleListUsers)
			r.Get("/users/{userID}", a.handleGetUser)
			r.Delete("/users/{userID}", a.handleDeleteUser)
			r.Post("/users/{userID}/grants", a.handleAddUserGrant)
			r.Delete("/users/{userID}/grants/{grant}", a.handleRemoveUserGrant)
			r.Get("/users/{userID}/sessions", a.handleUserSessions)

			r.Get("/groups", a.handleListGroups)
			r.Post("/groups", a.handleCreateGroup)
			r.Get("/groups/{groupID}", a.handleGetGroup)
			r.Delete("/groups/{groupID}", a.handleDeleteGroup)
			r.Post("/groups/{groupID}/members", a.handleAddGroupMember)
			r.Delete("/groups/{groupID}/members/{userID}", a.handleRemoveGroupMember)
			r.Post("/groups/{groupID}/grants", a.handleAddGroupGrant)
			r.Delete("/groups/{groupID}/grants/{grant}", a.handleRemoveGroupGrant)

			r.Delete("/sessions/{sessionID}", a.handleRevokeSession)
		})
	})

	r.Route("/v1/apps", func(r chi.Router) {
		r.Get("/{appID}/public_key", a.handlePublicKey)
		r.Group(func(r chi.Router) {
			r.Use(a.authenticate, requireGrant(auth.GrantAdmin, auth.GrantAppManager))
			r.Get("/", a.handleListApps)
			r.Post("/", a.handleCreateApp)
			r.Get("/{appID}", a.handleGetApp)
			r.Delete("/{appID}", a.handleDeleteApp)
			r.Post("/{appID}/keys", a.handleRegenerateAppKeys)
			r.Post("/{appID}/secret", a.handleRotateClientSecret)
			r.Get("/{appID}/sessions", a.handleAppSessions)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":          serviceName,
		"time":          time.Now().UTC().Format(time.RFC3339),
		"version":       a.version,
		"server_app_id": a.serverAppID,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// writeAuthError maps service errors onto HTTP status codes.
func (a *API) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, "resource already exists")
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, auth.ErrRedirectInvalid):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrReuseDetected):
		writeError(w, r, http.StatusUnauthorized, "refresh token reuse detected; sessions revoked")
	case errors.Is(err, auth.ErrExpired), errors.Is(err, credential.ErrExpired):
		writeError(w, r, http.StatusUnauthorized, "credential expired")
	case errors.Is(err, auth.ErrInvalidRefreshToken),
		errors.Is(err, auth.ErrInvalidLoginCode),
		errors.Is(err, auth.ErrInvalidClientSecret),
		errors.Is(err, auth.ErrStaleLogin),
		errors.Is(err, auth.ErrUnauthorized),
		errors.Is(err, credential.ErrMalformed),
		errors.Is(err, credential.ErrBadSignature):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrNotVisible), errors.Is(err, errForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, auth.ErrNotImplemented):
		writeError(w, r, http.StatusNotImplemented, "not available")
	default:
		a.logger.Error("http.internal_error",
			zap.String("path", r.URL.Path),
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
