// Package github brokers logins through GitHub OAuth2 and answers
// organization membership questions for the reconciler.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	oauth2github "golang.org/x/oauth2/github"

	"soauth.org/internal/auth"
)

const defaultAPIURL = "https://api.github.com"

var (
	ErrNotConfigured = errors.New("github: client is not configured")
	ErrLoginFailed   = errors.New("github: could not authenticate with github")
	ErrUnexpected    = errors.New("github: unexpected response")
)

// Config configures the provider.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	APIURL       string
	// Endpoint overrides the OAuth2 endpoint; zero means github.com.
	Endpoint   oauth2.Endpoint
	Retries    uint
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Provider talks to GitHub.
type Provider struct {
	oauth   *oauth2.Config
	apiURL  string
	retries uint
	client  *http.Client
	logger  *zap.Logger
}

var _ auth.Oracle = (*Provider)(nil)

// New builds a provider. The OAuth2 part is optional: without a client id the
// provider still serves membership queries.
func New(cfg Config) (*Provider, error) {
	apiURL := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	if _, err := url.Parse(apiURL); err != nil {
		return nil, fmt.Errorf("github: api url: %w", err)
	}
	p := &Provider{
		apiURL:  apiURL,
		retries: cfg.Retries,
		client:  cfg.HTTPClient,
		logger:  cfg.Logger,
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: 10 * time.Second}
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if cfg.ClientID != "" {
		endpoint := cfg.Endpoint
		if endpoint.AuthURL == "" {
			endpoint = oauth2github.Endpoint
		}
		p.oauth = &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"read:org", "user:email"},
			Endpoint:     endpoint,
		}
	}
	return p, nil
}

// Enabled reports whether the OAuth2 login flow is configured.
func (p *Provider) Enabled() bool { return p.oauth != nil }

// AuthCodeURL returns the GitHub consent URL carrying state.
func (p *Provider) AuthCodeURL(state string) (string, error) {
	if p.oauth == nil {
		return "", ErrNotConfigured
	}
	return p.oauth.AuthCodeURL(state), nil
}

type userResponse struct {
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type orgResponse struct {
	Login string `json:"login"`
}

// Exchange trades an authorization code for the user's identity and
// organization list.
func (p *Provider) Exchange(ctx context.Context, code string) (auth.RemoteIdentity, error) {
	if p.oauth == nil {
		return auth.RemoteIdentity{}, ErrNotConfigured
	}
	if strings.TrimSpace(code) == "" {
		return auth.RemoteIdentity{}, fmt.Errorf("%w: missing code", ErrLoginFailed)
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return auth.RemoteIdentity{}, fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}
	client := p.oauth.Client(ctx, tok)

	var user userResponse
	if err := p.getJSON(ctx, client, p.apiURL+"/user", &user); err != nil {
		return auth.RemoteIdentity{}, err
	}
	if user.Login == "" {
		return auth.RemoteIdentity{}, fmt.Errorf("%w: empty login", ErrUnexpected)
	}
	var orgs []orgResponse
	if err := p.getJSON(ctx, client, p.apiURL+"/user/orgs", &orgs); err != nil {
		return auth.RemoteIdentity{}, err
	}
	identity := auth.RemoteIdentity{
		Username: user.Login,
		FullName: user.Name,
		Email:    user.Email,
	}
	for _, o := range orgs {
		identity.Organizations = append(identity.Organizations, strings.ToLower(o.Login))
	}
	return identity, nil
}

// IsMember checks public organization membership:
// 204 means member, 404 means not a (public) member.
func (p *Provider) IsMember(ctx context.Context, user auth.User, org string) (bool, error) {
	endpoint := fmt.Sprintf("%s/orgs/%s/public_members/%s", p.apiURL, url.PathEscape(org), url.PathEscape(user.Username))
	operation := func() (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return false, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		resp, err := p.client.Do(req)
		if err != nil {
			return false, err
		}
		defer drain(resp.Body)
		switch {
		case resp.StatusCode == http.StatusNoContent:
			return true, nil
		case resp.StatusCode == http.StatusNotFound:
			return false, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return false, fmt.Errorf("%w: status %d", ErrUnexpected, resp.StatusCode)
		default:
			return false, backoff.Permanent(fmt.Errorf("%w: status %d", ErrUnexpected, resp.StatusCode))
		}
	}
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 100 * time.Millisecond
	expBackoff.MaxInterval = time.Second
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(p.retries+1),
		backoff.WithNotify(func(err error, d time.Duration) {
			p.logger.Debug("github.retry", zap.String("org", org), zap.Duration("after", d), zap.Error(err))
		}),
	)
}

func (p *Provider) getJSON(ctx context.Context, client *http.Client, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}
	defer drain(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d", ErrUnexpected, endpoint, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %w", ErrUnexpected, endpoint, err)
	}
	return nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}
