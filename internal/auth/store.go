package auth

import (
	"context"
	"time"

	"soauth.org/internal/keys"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Users(ctx context.Context) UserStore
	Groups(ctx context.Context) GroupStore
	Apps(ctx context.Context) AppStore
	Sessions(ctx context.Context) SessionRepository
	Logins(ctx context.Context) LoginStore
	Keys(ctx context.Context) keys.Store
	// WithinTx runs fn against a store bound to one transaction.
	WithinTx(ctx context.Context, fn func(tx Store) error) error
}

// UserStore manages users and their direct grants.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	List(ctx context.Context) ([]*User, error)
	UpdateProfile(ctx context.Context, u *User) error
	Delete(ctx context.Context, id string) error
	Grants(ctx context.Context, userID string) ([]string, error)
	AddGrant(ctx context.Context, userID, grant string) (bool, error)
	RemoveGrant(ctx context.Context, userID, grant string) (bool, error)
}

// GroupStore manages groups, their grants and memberships.
type GroupStore interface {
	Create(ctx context.Context, g *Group) error
	Find(ctx context.Context, id string) (*Group, error)
	FindByName(ctx context.Context, name string) (*Group, error)
	List(ctx context.Context) ([]*Group, error)
	Delete(ctx context.Context, id string) error
	AddMember(ctx context.Context, groupID, userID string) (bool, error)
	RemoveMember(ctx context.Context, groupID, userID string) (bool, error)
	Members(ctx context.Context, groupID string) ([]string, error)
	ForUser(ctx context.Context, userID string) ([]*Group, error)
	AddGrant(ctx context.Context, groupID, grant string) (bool, error)
	RemoveGrant(ctx context.Context, groupID, grant string) (bool, error)
}

// AppStore manages registered applications.
type AppStore interface {
	Create(ctx context.Context, a *App) error
	Find(ctx context.Context, id string) (*App, error)
	FindByName(ctx context.Context, name string) (*App, error)
	List(ctx context.Context) ([]*App, error)
	UpdateKeys(ctx context.Context, id string, key keys.Sealed) error
	UpdateClientSecret(ctx context.Context, id, secretHash string) error
	Delete(ctx context.Context, id string) error
}

// SessionRepository persists refresh sessions. Lookups are by secret hash only.
type SessionRepository interface {
	Create(ctx context.Context, s *RefreshSession) error
	Find(ctx context.Context, id string) (*RefreshSession, error)
	FindByHash(ctx context.Context, secretHash string) (*RefreshSession, error)
	// MarkRotated moves an active session to rotated. It returns
	// ErrRotationConflict when the session is no longer active.
	MarkRotated(ctx context.Context, id, successorID string, at time.Time) error
	Revoke(ctx context.Context, id string, at time.Time) error
	RevokeLineage(ctx context.Context, userID, appID, lineageID string, at time.Time) (int64, error)
	// RevokeAllFor revokes the user's sessions for app; an empty kind matches all kinds.
	RevokeAllFor(ctx context.Context, userID, appID string, kind SessionKind, at time.Time) (int64, error)
	ListActiveForUser(ctx context.Context, userID string, now time.Time) ([]*RefreshSession, error)
	ListActiveForApp(ctx context.Context, appID string, now time.Time) ([]*RefreshSession, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// LoginStore tracks login requests.
type LoginStore interface {
	Create(ctx context.Context, r *LoginRequest) error
	Find(ctx context.Context, id string) (*LoginRequest, error)
	FindByCode(ctx context.Context, codeHash string) (*LoginRequest, error)
	// Complete returns ErrConflict unless the request is open.
	Complete(ctx context.Context, id, userID, codeHash string, at time.Time) error
	// Redeem returns ErrConflict when the code was already redeemed.
	Redeem(ctx context.Context, id string, at time.Time) error
	MarkStale(ctx context.Context, initiatedBefore time.Time) (int64, error)
	DeleteBefore(ctx context.Context, initiatedBefore time.Time) (int64, error)
}
