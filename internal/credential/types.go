package credential

import (
	"slices"
	"time"
)

// UserData is the identity snapshot embedded in an access credential.
type UserData struct {
	UserID     string   `json:"user_id"`
	Username   string   `json:"user_name"`
	FullName   string   `json:"full_name,omitempty"`
	Email      string   `json:"email,omitempty"`
	Grants     []string `json:"grants"`
	GroupNames []string `json:"group_names"`
	GroupIDs   []string `json:"group_ids"`
}

// AccessCredential is a decoded, verified access token. It is never persisted.
type AccessCredential struct {
	UserData
	ID        string    `json:"id"`
	AppID     string    `json:"app_id"`
	KeyID     string    `json:"key_id,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HasGrant reports whether grant is in the flattened grant set.
func (c AccessCredential) HasGrant(grant string) bool {
	return slices.Contains(c.Grants, grant)
}
