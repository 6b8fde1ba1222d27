package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"soauth.org/internal/credential"
	"soauth.org/internal/keys"
	"soauth.org/internal/obs"
)

const (
	defaultAccessTTL   = 8 * time.Hour
	defaultRefreshTTL  = 26 * 7 * 24 * time.Hour
	defaultAPIKeyTTL   = 52 * 7 * 24 * time.Hour
	defaultStaleLogin  = 30 * time.Minute
	defaultLoginRecord = 14 * 24 * time.Hour
)

// AppCredentials resolves the codec and client secret check of an app.
// *AppService implements it.
type AppCredentials interface {
	Codec(ctx context.Context, appID string) (*credential.Codec, error)
	CheckClientSecret(app App, secret string) error
}

var _ AppCredentials = (*AppService)(nil)

// Service issues, rotates and revokes credentials.
type Service struct {
	store      Store
	apps       AppCredentials
	sessions   *SessionStore
	reconciler *Reconciler
	stateKey   *keys.Manager
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time

	accessTTL   time.Duration
	refreshTTL  time.Duration
	apiKeyTTL   time.Duration
	staleLogin  time.Duration
	loginRecord time.Duration
	singleLogin bool
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithAccessTTL configures access credential lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures login session lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithAPIKeyTTL configures API key session lifetime.
func WithAPIKeyTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.apiKeyTTL = ttl
		}
		return nil
	}
}

// WithLoginWindow configures how long a login round trip may take and how
// long login records are kept.
func WithLoginWindow(stale, record time.Duration) ServiceOption {
	return func(s *Service) error {
		if stale > 0 {
			s.staleLogin = stale
		}
		if record > 0 {
			s.loginRecord = record
		}
		if s.loginRecord < s.staleLogin {
			return errors.New("auth: login record length is shorter than the stale login window")
		}
		return nil
	}
}

// WithSingleLoginSession makes every new login revoke the user's other login
// sessions for the same app.
func WithSingleLoginSession(enabled bool) ServiceOption {
	return func(s *Service) error {
		s.singleLogin = enabled
		return nil
	}
}

// WithReconciler runs membership reconciliation on login and exchange.
func WithReconciler(r *Reconciler) ServiceOption {
	return func(s *Service) error {
		s.reconciler = r
		return nil
	}
}

// WithStateKey sets the key signing the login state parameter.
func WithStateKey(km *keys.Manager) ServiceOption {
	return func(s *Service) error {
		if km != nil && !km.CanSign() {
			return keys.ErrVerifyOnly
		}
		s.stateKey = km
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, apps AppCredentials, opts ...ServiceOption) (*Service, error) {
	if store == nil || apps == nil {
		return nil, errors.New("auth: store and app credentials are required")
	}
	svc := &Service{
		store:       store,
		apps:        apps,
		logger:      zap.NewNop(),
		tracer:      otel.Tracer("soauth.org/internal/auth"),
		now:         time.Now,
		accessTTL:   defaultAccessTTL,
		refreshTTL:  defaultRefreshTTL,
		apiKeyTTL:   defaultAPIKeyTTL,
		staleLogin:  defaultStaleLogin,
		loginRecord: defaultLoginRecord,
		singleLogin: true,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	svc.sessions = NewSessionStore(store, svc.refreshTTL, svc.apiKeyTTL, svc.now)
	return svc, nil
}

// Sessions exposes the underlying session store.
func (s *Service) Sessions() *SessionStore { return s.sessions }

// Exchange validates a presented refresh secret and rotates it. Presenting a
// secret that was already rotated or revoked revokes its whole lineage.
func (s *Service) Exchange(ctx context.Context, raw, appID string) (TokenPair, error) {
	ctx, span := s.tracer.Start(ctx, "auth.Exchange", trace.WithAttributes(attribute.String("app.id", appID)))
	defer span.End()

	pair, result, err := s.exchange(ctx, raw, appID)
	obs.ObserveExchange(result)
	span.SetAttributes(attribute.String("exchange.result", result))
	if err != nil {
		span.SetStatus(codes.Error, result)
	}
	return pair, err
}

func (s *Service) exchange(ctx context.Context, raw, appID string) (TokenPair, string, error) {
	sess, err := s.sessions.FindBySecret(ctx, raw)
	if errors.Is(err, ErrNotFound) {
		return TokenPair{}, "invalid", ErrInvalidRefreshToken
	}
	if err != nil {
		return TokenPair{}, "error", err
	}
	if sess.Status != SessionActive {
		s.revokeOnReuse(ctx, sess)
		return TokenPair{}, "reuse", ErrReuseDetected
	}
	if appID != "" && sess.AppID != appID {
		return TokenPair{}, "invalid", ErrInvalidRefreshToken
	}
	if !s.now().Before(sess.ExpiresAt) {
		return TokenPair{}, "expired", ErrExpired
	}

	user, err := s.store.Users(ctx).Find(ctx, sess.UserID)
	if errors.Is(err, ErrNotFound) {
		return TokenPair{}, "invalid", ErrInvalidRefreshToken
	}
	if err != nil {
		return TokenPair{}, "error", err
	}
	app, err := s.store.Apps(ctx).Find(ctx, sess.AppID)
	if errors.Is(err, ErrNotFound) {
		return TokenPair{}, "invalid", ErrInvalidRefreshToken
	}
	if err != nil {
		return TokenPair{}, "error", err
	}

	if s.reconciler != nil {
		if _, err := s.reconciler.Reconcile(ctx, *user); err != nil {
			return TokenPair{}, "error", err
		}
	}

	access, accessExp, err := s.mint(ctx, user.ID, *app)
	if err != nil {
		if errors.Is(err, ErrNotVisible) {
			return TokenPair{}, "denied", err
		}
		return TokenPair{}, "error", err
	}
	next, secret, err := s.sessions.Rotate(ctx, sess)
	if errors.Is(err, ErrRotationConflict) {
		s.revokeOnReuse(ctx, sess)
		return TokenPair{}, "reuse", ErrReuseDetected
	}
	if err != nil {
		return TokenPair{}, "error", err
	}
	obs.ObserveSessionIssued(string(next.Kind))
	s.logger.Debug("session.rotated",
		zap.String("user_id", next.UserID),
		zap.String("app_id", next.AppID),
		zap.String("lineage_id", next.LineageID),
		zap.String("session_id", next.ID),
	)
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     secret,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: next.ExpiresAt,
	}, "ok", nil
}

func (s *Service) revokeOnReuse(ctx context.Context, sess RefreshSession) {
	n, err := s.sessions.RevokeLineage(ctx, sess)
	if err != nil {
		s.logger.Error("reuse.revoke_failed", zap.String("session_id", sess.ID), zap.Error(err))
		return
	}
	s.logger.Warn("reuse.detected",
		zap.String("user_id", sess.UserID),
		zap.String("app_id", sess.AppID),
		zap.String("lineage_id", sess.LineageID),
		zap.String("session_id", sess.ID),
		zap.String("status", string(sess.Status)),
		zap.Int64("revoked", n),
	)
}

// mint builds the user data and signs an access credential for app.
func (s *Service) mint(ctx context.Context, userID string, app App) (string, time.Time, error) {
	data, err := LoadUserData(ctx, s.store, userID)
	if err != nil {
		return "", time.Time{}, err
	}
	if app.VisibilityGrant != "" && !hasGrant(data, app.VisibilityGrant) {
		return "", time.Time{}, ErrNotVisible
	}
	codec, err := s.apps.Codec(ctx, app.ID)
	if err != nil {
		return "", time.Time{}, err
	}
	exp := s.now().UTC().Add(s.accessTTL)
	token, err := codec.Issue(data, app.ID, exp)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// FirstIssue starts a new lineage for user and app and returns its first pair.
func (s *Service) FirstIssue(ctx context.Context, userID, appID string, kind SessionKind) (TokenPair, error) {
	ctx, span := s.tracer.Start(ctx, "auth.FirstIssue", trace.WithAttributes(
		attribute.String("app.id", appID),
		attribute.String("session.kind", string(kind)),
	))
	defer span.End()

	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return TokenPair{}, err
	}
	app, err := s.store.Apps(ctx).Find(ctx, appID)
	if err != nil {
		return TokenPair{}, err
	}
	if kind == SessionKindAPIKey && !app.APIAccess {
		return TokenPair{}, fmt.Errorf("%w: app %s does not accept api keys", ErrInvalidInput, app.Name)
	}
	access, accessExp, err := s.mint(ctx, user.ID, *app)
	if err != nil {
		span.RecordError(err)
		return TokenPair{}, err
	}
	var (
		sess   RefreshSession
		secret string
	)
	if kind == SessionKindLogin && s.singleLogin {
		var n int64
		sess, secret, n, err = s.sessions.Replace(ctx, user.ID, app.ID, kind)
		if err != nil {
			return TokenPair{}, err
		}
		if n > 0 {
			s.logger.Info("session.superseded", zap.String("user_id", user.ID), zap.String("app_id", app.ID), zap.Int64("revoked", n))
		}
	} else {
		sess, secret, err = s.sessions.Create(ctx, user.ID, app.ID, kind)
		if err != nil {
			return TokenPair{}, err
		}
	}
	obs.ObserveSessionIssued(string(kind))
	s.logger.Info("session.issued",
		zap.String("user_id", user.ID),
		zap.String("app_id", app.ID),
		zap.String("kind", string(kind)),
		zap.String("session_id", sess.ID),
	)
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     secret,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: sess.ExpiresAt,
	}, nil
}

// CreateAPIKey issues a long-lived API key session for the user.
func (s *Service) CreateAPIKey(ctx context.Context, userID, appID string) (TokenPair, error) {
	return s.FirstIssue(ctx, userID, appID, SessionKindAPIKey)
}

// Decode verifies an access credential issued for appID.
func (s *Service) Decode(ctx context.Context, appID, token string) (credential.AccessCredential, error) {
	codec, err := s.apps.Codec(ctx, appID)
	if err != nil {
		return credential.AccessCredential{}, err
	}
	return codec.Decode(token)
}

// Authenticate decodes access for appID. When the credential is expired and a
// refresh secret is available, it is exchanged and the new pair is returned
// alongside the fresh credential.
func (s *Service) Authenticate(ctx context.Context, appID, access, refresh string) (credential.AccessCredential, *TokenPair, error) {
	cred, err := s.Decode(ctx, appID, access)
	if err == nil {
		return cred, nil, nil
	}
	if strings.TrimSpace(access) != "" && !errors.Is(err, credential.ErrExpired) {
		return credential.AccessCredential{}, nil, err
	}
	if strings.TrimSpace(refresh) == "" {
		return credential.AccessCredential{}, nil, err
	}
	pair, xerr := s.Exchange(ctx, refresh, appID)
	if xerr != nil {
		return credential.AccessCredential{}, nil, xerr
	}
	cred, err = s.Decode(ctx, appID, pair.AccessToken)
	if err != nil {
		return credential.AccessCredential{}, nil, err
	}
	return cred, &pair, nil
}

// Logout revokes the session behind a refresh secret.
func (s *Service) Logout(ctx context.Context, raw string) error {
	sess, err := s.sessions.FindBySecret(ctx, raw)
	if errors.Is(err, ErrNotFound) {
		return ErrInvalidRefreshToken
	}
	if err != nil {
		return err
	}
	if sess.Status != SessionActive {
		s.revokeOnReuse(ctx, sess)
		return ErrReuseDetected
	}
	if err := s.sessions.Revoke(ctx, sess); err != nil {
		return err
	}
	s.logger.Info("session.logout", zap.String("user_id", sess.UserID), zap.String("app_id", sess.AppID))
	return nil
}

// LogoutEverywhere revokes every session of the user for app.
func (s *Service) LogoutEverywhere(ctx context.Context, userID, appID string) (int64, error) {
	return s.sessions.RevokeAllFor(ctx, userID, appID)
}

// RevokeSession revokes a session by id.
func (s *Service) RevokeSession(ctx context.Context, id string) error {
	sess, err := s.sessions.Find(ctx, id)
	if err != nil {
		return err
	}
	return s.sessions.Revoke(ctx, sess)
}

// ListSessionsForUser lists active sessions of a user.
func (s *Service) ListSessionsForUser(ctx context.Context, userID string) ([]RefreshSession, error) {
	return s.sessions.ListActiveForUser(ctx, userID)
}

// ListSessionsForApp lists active sessions issued for an app.
func (s *Service) ListSessionsForApp(ctx context.Context, appID string) ([]RefreshSession, error) {
	return s.sessions.ListActiveForApp(ctx, appID)
}

// PurgeExpiredSessions removes sessions whose expiry passed more than grace ago.
func (s *Service) PurgeExpiredSessions(ctx context.Context, grace time.Duration) (int64, error) {
	return s.sessions.Purge(ctx, s.now().Add(-grace))
}
