package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"soauth.org/internal/credential"
	"soauth.org/internal/ids"
	"soauth.org/internal/keys"
)

// NewApp describes an application to register.
type NewApp struct {
	Name            string
	Domain          string
	RedirectURL     string
	CreatedBy       string
	APIAccess       bool
	VisibilityGrant string
}

// AppService manages applications, their key pairs and client secrets.
type AppService struct {
	store       Store
	keyPassword string
	issuer      string
	leeway      time.Duration
	now         func() time.Time
	logger      *zap.Logger

	mu     sync.RWMutex
	codecs map[string]*credential.Codec
}

// AppOption configures AppService.
type AppOption func(*AppService)

// WithAppIssuer sets the issuer claim embedded in app credentials.
func WithAppIssuer(issuer string) AppOption {
	return func(s *AppService) { s.issuer = strings.TrimSpace(issuer) }
}

// WithAppLeeway tolerates clock skew on decode.
func WithAppLeeway(d time.Duration) AppOption {
	return func(s *AppService) { s.leeway = d }
}

// WithAppClock overrides the time source.
func WithAppClock(fn func() time.Time) AppOption {
	return func(s *AppService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithAppLogger sets the logger.
func WithAppLogger(l *zap.Logger) AppOption {
	return func(s *AppService) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewAppService constructs the service. keyPassword seals app private keys at rest.
func NewAppService(store Store, keyPassword string, opts ...AppOption) (*AppService, error) {
	if store == nil {
		return nil, errors.New("auth: app store is required")
	}
	if keyPassword == "" {
		return nil, errors.New("auth: key password is required")
	}
	s := &AppService{
		store:       store,
		keyPassword: keyPassword,
		now:         time.Now,
		logger:      zap.NewNop(),
		codecs:      make(map[string]*credential.Codec),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func normalizeDomain(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("%w: invalid url %q", ErrInvalidInput, raw)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// CreateApp registers an application, generates its key pair and returns the
// raw client secret. The secret is not recoverable afterwards.
func (s *AppService) CreateApp(ctx context.Context, in NewApp) (App, string, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return App{}, "", fmt.Errorf("%w: app name is required", ErrInvalidInput)
	}
	domain, err := normalizeDomain(in.Domain)
	if err != nil {
		return App{}, "", err
	}
	redirect := strings.TrimSpace(in.RedirectURL)
	if redirect == "" {
		redirect = domain
	}
	if redirect, err = normalizeDomain(redirect); err != nil {
		return App{}, "", err
	}
	var visibility string
	if strings.TrimSpace(in.VisibilityGrant) != "" {
		if visibility, err = NormalizeGrant(in.VisibilityGrant); err != nil {
			return App{}, "", err
		}
	}

	km, err := keys.Generate()
	if err != nil {
		return App{}, "", err
	}
	sealed, err := km.Seal(s.keyPassword)
	if err != nil {
		return App{}, "", err
	}
	secret, err := randomSecret(clientSecretBytes)
	if err != nil {
		return App{}, "", err
	}
	secretHash, err := HashClientSecret(secret)
	if err != nil {
		return App{}, "", err
	}

	app := &App{
		ID:               ids.NewUUID(),
		Name:             name,
		Domain:           domain,
		RedirectURL:      redirect,
		CreatedBy:        in.CreatedBy,
		KeyID:            sealed.ID,
		PublicKey:        sealed.PublicPEM,
		SealedKey:        sealed.PrivateKey,
		KeyCreatedAt:     sealed.CreatedAt,
		ClientSecretHash: secretHash,
		APIAccess:        in.APIAccess,
		VisibilityGrant:  visibility,
		CreatedAt:        s.now().UTC(),
	}
	if err := s.store.Apps(ctx).Create(ctx, app); err != nil {
		return App{}, "", err
	}
	if _, err := s.cache(app.ID, km); err != nil {
		return App{}, "", err
	}
	s.logger.Info("app.created", zap.String("app_id", app.ID), zap.String("name", app.Name))
	return *app, secret, nil
}

// EnsureApp returns the app named name, creating it when absent.
// The client secret is only returned when the app was created.
func (s *AppService) EnsureApp(ctx context.Context, in NewApp) (App, string, error) {
	app, err := s.store.Apps(ctx).FindByName(ctx, strings.TrimSpace(in.Name))
	if err == nil {
		return *app, "", nil
	}
	if !errors.Is(err, ErrNotFound) {
		return App{}, "", err
	}
	return s.CreateApp(ctx, in)
}

// Get loads an app by id.
func (s *AppService) Get(ctx context.Context, id string) (App, error) {
	app, err := s.store.Apps(ctx).Find(ctx, id)
	if err != nil {
		return App{}, err
	}
	return *app, nil
}

// List returns every registered app.
func (s *AppService) List(ctx context.Context) ([]App, error) {
	list, err := s.store.Apps(ctx).List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]App, 0, len(list))
	for _, a := range list {
		out = append(out, *a)
	}
	return out, nil
}

// RegenerateKeys replaces the app key pair. Every access credential issued
// for the app stops verifying; refresh sessions are untouched.
func (s *AppService) RegenerateKeys(ctx context.Context, id string) (App, error) {
	app, err := s.store.Apps(ctx).Find(ctx, id)
	if err != nil {
		return App{}, err
	}
	km, err := keys.Generate()
	if err != nil {
		return App{}, err
	}
	sealed, err := km.Seal(s.keyPassword)
	if err != nil {
		return App{}, err
	}
	if err := s.store.Apps(ctx).UpdateKeys(ctx, app.ID, sealed); err != nil {
		return App{}, err
	}
	app.KeyID = sealed.ID
	app.PublicKey = sealed.PublicPEM
	app.SealedKey = sealed.PrivateKey
	app.KeyCreatedAt = sealed.CreatedAt
	if _, err := s.cache(app.ID, km); err != nil {
		return App{}, err
	}
	s.logger.Warn("app.keys_regenerated", zap.String("app_id", app.ID))
	return *app, nil
}

// RotateClientSecret issues a new client secret for the app.
func (s *AppService) RotateClientSecret(ctx context.Context, id string) (string, error) {
	if _, err := s.store.Apps(ctx).Find(ctx, id); err != nil {
		return "", err
	}
	secret, err := randomSecret(clientSecretBytes)
	if err != nil {
		return "", err
	}
	hash, err := HashClientSecret(secret)
	if err != nil {
		return "", err
	}
	if err := s.store.Apps(ctx).UpdateClientSecret(ctx, id, hash); err != nil {
		return "", err
	}
	return secret, nil
}

// CheckClientSecret returns ErrInvalidClientSecret unless secret matches.
func (s *AppService) CheckClientSecret(app App, secret string) error {
	if secret == "" || VerifyClientSecret(app.ClientSecretHash, secret) != nil {
		return ErrInvalidClientSecret
	}
	return nil
}

// Delete removes the app and, by cascade, its sessions and login requests.
func (s *AppService) Delete(ctx context.Context, id string) error {
	if err := s.store.Apps(ctx).Delete(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.codecs, id)
	s.mu.Unlock()
	return nil
}

// PublicKey returns the PEM encoded verification key of the app.
func (s *AppService) PublicKey(ctx context.Context, id string) (App, []byte, error) {
	app, err := s.store.Apps(ctx).Find(ctx, id)
	if err != nil {
		return App{}, nil, err
	}
	return *app, app.PublicKey, nil
}

// Codec returns the credential codec bound to the app's current key.
func (s *AppService) Codec(ctx context.Context, appID string) (*credential.Codec, error) {
	s.mu.RLock()
	c, ok := s.codecs[appID]
	s.mu.RUnlock()
	if ok {
		return c, nil
	}
	app, err := s.store.Apps(ctx).Find(ctx, appID)
	if err != nil {
		return nil, err
	}
	km, err := keys.Open(keys.Sealed{
		ID:         app.KeyID,
		Algorithm:  keys.Algorithm,
		PublicPEM:  app.PublicKey,
		PrivateKey: app.SealedKey,
		CreatedAt:  app.KeyCreatedAt,
	}, s.keyPassword)
	if err != nil {
		return nil, fmt.Errorf("auth: open key of app %s: %w", appID, err)
	}
	return s.cache(appID, km)
}

func (s *AppService) cache(appID string, km *keys.Manager) (*credential.Codec, error) {
	opts := []credential.Option{credential.WithAudience(appID), credential.WithClock(s.now)}
	if s.issuer != "" {
		opts = append(opts, credential.WithIssuer(s.issuer))
	}
	if s.leeway > 0 {
		opts = append(opts, credential.WithLeeway(s.leeway))
	}
	c, err := credential.NewCodec(km, opts...)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.codecs[appID] = c
	s.mu.Unlock()
	return c, nil
}
