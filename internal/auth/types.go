package auth

import "time"

// User is a person known through the identity provider.
type User struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	FullName    string     `json:"full_name,omitempty"`
	Email       string     `json:"email,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// Group carries grants inherited by every member.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"created_by,omitempty"`
	Grants    []string  `json:"grants"`
	CreatedAt time.Time `json:"created_at"`
}

// App is a downstream application with its own signing identity.
type App struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Domain           string    `json:"domain"`
	RedirectURL      string    `json:"redirect_url"`
	CreatedBy        string    `json:"created_by,omitempty"`
	KeyID            string    `json:"key_id"`
	PublicKey        []byte    `json:"-"`
	SealedKey        []byte    `json:"-"`
	KeyCreatedAt     time.Time `json:"key_created_at"`
	ClientSecretHash string    `json:"-"`
	APIAccess        bool      `json:"api_access"`
	VisibilityGrant  string    `json:"visibility_grant,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// SessionKind distinguishes interactive logins from user-created API keys.
type SessionKind string

const (
	SessionKindLogin  SessionKind = "login"
	SessionKindAPIKey SessionKind = "api_key"
)

// SessionStatus is the rotation state of a refresh session.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionRotated SessionStatus = "rotated"
	SessionRevoked SessionStatus = "revoked"
)

// RefreshSession is one refresh secret. Rotation links rows of one lineage by id.
type RefreshSession struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	AppID       string        `json:"app_id"`
	SecretHash  string        `json:"-"`
	Kind        SessionKind   `json:"kind"`
	Status      SessionStatus `json:"status"`
	LineageID   string        `json:"lineage_id"`
	PreviousID  string        `json:"previous_id,omitempty"`
	SuccessorID string        `json:"successor_id,omitempty"`
	IssuedAt    time.Time     `json:"issued_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	LastUsedAt  time.Time     `json:"last_used_at"`
	RevokedAt   *time.Time    `json:"revoked_at,omitempty"`
}

// LoginRequest tracks one provider round trip for an app.
type LoginRequest struct {
	ID          string
	AppID       string
	RedirectTo  string
	InitiatedAt time.Time
	CompletedAt *time.Time
	UserID      string
	CodeHash    string
	RedeemedAt  *time.Time
	Stale       bool
}

// RemoteIdentity is what the identity provider vouches for after a code exchange.
type RemoteIdentity struct {
	Username      string
	FullName      string
	Email         string
	Organizations []string
}

// TokenPair is returned by every issue and exchange.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_token_expires"`
	RefreshExpiresAt time.Time `json:"refresh_token_expires"`
}
