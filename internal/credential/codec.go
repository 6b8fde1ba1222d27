// Package credential encodes access credentials as EdDSA JWTs and produces
// opaque refresh secrets.
package credential

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"soauth.org/internal/keys"
)

var (
	ErrExpired      = errors.New("credential: expired")
	ErrMalformed    = errors.New("credential: malformed")
	ErrBadSignature = errors.New("credential: bad signature")
)

const appIDHeader = "aid"

type claims struct {
	Username   string   `json:"user_name"`
	FullName   string   `json:"full_name,omitempty"`
	Email      string   `json:"email,omitempty"`
	Grants     []string `json:"grants"`
	GroupNames []string `json:"group_names"`
	GroupIDs   []string `json:"group_ids"`
	jwt.RegisteredClaims
}

// Codec issues and decodes access credentials with one key pair.
// It holds no mutable state and is safe for concurrent use.
type Codec struct {
	keys     *keys.Manager
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// Option configures a Codec.
type Option func(*Codec) error

// WithIssuer sets the iss claim and requires it on decode.
func WithIssuer(issuer string) Option {
	return func(c *Codec) error {
		c.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAudience requires decoded credentials to be issued for appID.
func WithAudience(appID string) Option {
	return func(c *Codec) error {
		c.audience = strings.TrimSpace(appID)
		return nil
	}
}

// WithLeeway tolerates clock skew when checking time claims.
func WithLeeway(d time.Duration) Option {
	return func(c *Codec) error {
		if d < 0 || d > 2*time.Minute {
			return errors.New("credential: leeway must be within [0, 2m]")
		}
		c.leeway = d
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(c *Codec) error {
		if fn != nil {
			c.now = fn
		}
		return nil
	}
}

// NewCodec builds a codec around a key manager.
func NewCodec(km *keys.Manager, opts ...Option) (*Codec, error) {
	if km == nil {
		return nil, errors.New("credential: key manager is required")
	}
	c := &Codec{keys: km, now: time.Now}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// KeyID returns the id of the signing key.
func (c *Codec) KeyID() string { return c.keys.ID() }

// Issue signs a credential for user scoped to appID, valid until expiry.
func (c *Codec) Issue(user UserData, appID string, expiry time.Time) (string, error) {
	if strings.TrimSpace(user.UserID) == "" {
		return "", errors.New("credential: user id is required")
	}
	now := c.now().UTC()
	if !expiry.After(now) {
		return "", errors.New("credential: expiry must be in the future")
	}
	signer, err := c.keys.Signer()
	if err != nil {
		return "", err
	}
	cl := claims{
		Username:   user.Username,
		FullName:   user.FullName,
		Email:      user.Email,
		Grants:     nonNil(user.Grants),
		GroupNames: nonNil(user.GroupNames),
		GroupIDs:   nonNil(user.GroupIDs),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   user.UserID,
			Audience:  jwt.ClaimStrings{appID},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, cl)
	token.Header["kid"] = c.keys.ID()
	token.Header[appIDHeader] = appID
	signed, err := token.SignedString(signer)
	if err != nil {
		return "", fmt.Errorf("credential: sign: %w", err)
	}
	return signed, nil
}

// Decode verifies signature and expiry together. An expired but correctly
// signed token returns the decoded credential along with ErrExpired.
func (c *Codec) Decode(token string) (AccessCredential, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return AccessCredential{}, ErrMalformed
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	}
	if c.leeway > 0 {
		opts = append(opts, jwt.WithLeeway(c.leeway))
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}
	if c.audience != "" {
		opts = append(opts, jwt.WithAudience(c.audience))
	}
	var cl claims
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, &cl, func(*jwt.Token) (any, error) {
		return c.keys.PublicKey(), nil
	})
	switch {
	case err == nil && parsed.Valid:
	case err == nil:
		return AccessCredential{}, ErrMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return AccessCredential{}, ErrBadSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		if !c.signatureValid(token) {
			return AccessCredential{}, ErrBadSignature
		}
		cred, convErr := toCredential(&cl, parsed)
		if convErr != nil {
			return AccessCredential{}, ErrMalformed
		}
		return cred, ErrExpired
	default:
		return AccessCredential{}, ErrMalformed
	}
	cred, err := toCredential(&cl, parsed)
	if err != nil {
		return AccessCredential{}, ErrMalformed
	}
	return cred, nil
}

// signatureValid re-checks the raw signature with the key manager so that an
// expiry report is never produced for a tampered token.
func (c *Codec) signatureValid(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	return c.keys.Verify([]byte(parts[0]+"."+parts[1]), sig)
}

func toCredential(cl *claims, token *jwt.Token) (AccessCredential, error) {
	if strings.TrimSpace(cl.Subject) == "" || cl.ExpiresAt == nil || cl.IssuedAt == nil {
		return AccessCredential{}, errors.New("missing required claims")
	}
	cred := AccessCredential{
		UserData: UserData{
			UserID:     cl.Subject,
			Username:   cl.Username,
			FullName:   cl.FullName,
			Email:      cl.Email,
			Grants:     cl.Grants,
			GroupNames: cl.GroupNames,
			GroupIDs:   cl.GroupIDs,
		},
		ID:        cl.ID,
		IssuedAt:  cl.IssuedAt.Time.UTC(),
		ExpiresAt: cl.ExpiresAt.Time.UTC(),
	}
	if len(cl.Audience) > 0 {
		cred.AppID = cl.Audience[0]
	}
	if token != nil {
		if kid, ok := token.Header["kid"].(string); ok {
			cred.KeyID = kid
		}
		if aid, ok := token.Header[appIDHeader].(string); ok && cred.AppID == "" {
			cred.AppID = aid
		}
	}
	return cred, nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
