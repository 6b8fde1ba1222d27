package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"soauth.org/internal/credential"
	"soauth.org/internal/ids"
)

// AdminService manages users, groups and grants. Changes reach access
// credentials on the next rotation.
type AdminService struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger
}

// NewAdminService constructs the administrative service.
func NewAdminService(store Store, logger *zap.Logger) (*AdminService, error) {
	if store == nil {
		return nil, errors.New("auth: admin store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminService{store: store, now: time.Now, logger: logger}, nil
}

// ListUsers returns all users.
func (s *AdminService) ListUsers(ctx context.Context) ([]User, error) {
	list, err := s.store.Users(ctx).List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]User, 0, len(list))
	for _, u := range list {
		out = append(out, *u)
	}
	return out, nil
}

// UserData returns a user's profile with flattened grants and groups.
func (s *AdminService) UserData(ctx context.Context, userID string) (credential.UserData, error) {
	return LoadUserData(ctx, s.store, userID)
}

// FindUser resolves a user by id or username.
func (s *AdminService) FindUser(ctx context.Context, ref string) (User, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return User{}, fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	users := s.store.Users(ctx)
	u, err := users.Find(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		u, err = users.FindByUsername(ctx, strings.ToLower(ref))
	}
	if err != nil {
		return User{}, err
	}
	return *u, nil
}

// EnsureUser returns the user with username, creating a placeholder that is
// completed on first login.
func (s *AdminService) EnsureUser(ctx context.Context, username string) (User, bool, error) {
	username, err := NormalizeUsername(username)
	if err != nil {
		return User{}, false, err
	}
	users := s.store.Users(ctx)
	u, err := users.FindByUsername(ctx, username)
	if err == nil {
		return *u, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return User{}, false, err
	}
	u = &User{ID: ids.NewUUID(), Username: username, CreatedAt: s.now().UTC()}
	if err := users.Create(ctx, u); err != nil {
		return User{}, false, err
	}
	return *u, true, nil
}

// AddUserGrant gives a grant directly to a user.
func (s *AdminService) AddUserGrant(ctx context.Context, userID, grant string) error {
	grant, err := NormalizeGrant(grant)
	if err != nil {
		return err
	}
	if _, err := s.store.Users(ctx).Find(ctx, userID); err != nil {
		return err
	}
	added, err := s.store.Users(ctx).AddGrant(ctx, userID, grant)
	if err != nil {
		return err
	}
	if added {
		s.logger.Info("grant.added", zap.String("user_id", userID), zap.String("grant", grant))
	}
	return nil
}

// RemoveUserGrant removes a direct grant. Grants inherited from groups are unaffected.
func (s *AdminService) RemoveUserGrant(ctx context.Context, userID, grant string) error {
	grant, err := NormalizeGrant(grant)
	if err != nil {
		return err
	}
	removed, err := s.store.Users(ctx).RemoveGrant(ctx, userID, grant)
	if err != nil {
		return err
	}
	if !removed {
		return ErrNotFound
	}
	s.logger.Info("grant.removed", zap.String("user_id", userID), zap.String("grant", grant))
	return nil
}

// DeleteUser deletes a user together with grants, memberships and sessions.
func (s *AdminService) DeleteUser(ctx context.Context, userID string) error {
	if err := s.store.Users(ctx).Delete(ctx, userID); err != nil {
		return err
	}
	s.logger.Warn("user.deleted", zap.String("user_id", userID))
	return nil
}

// CreateGroup creates a group with initial grants.
func (s *AdminService) CreateGroup(ctx context.Context, name, createdBy string, grants []string) (Group, error) {
	name, err := NormalizeGroupName(name)
	if err != nil {
		return Group{}, err
	}
	normalized := make([]string, 0, len(grants))
	for _, g := range grants {
		g, err := NormalizeGrant(g)
		if err != nil {
			return Group{}, err
		}
		normalized = append(normalized, g)
	}
	group := &Group{Name: name, CreatedBy: createdBy, CreatedAt: s.now().UTC()}
	err = s.store.WithinTx(ctx, func(tx Store) error {
		groups := tx.Groups(ctx)
		if err := groups.Create(ctx, group); err != nil {
			return err
		}
		for _, g := range normalized {
			if _, err := groups.AddGrant(ctx, group.ID, g); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Group{}, err
	}
	group.Grants = dedupeGrants(normalized)
	return *group, nil
}

// ListGroups returns all groups with their grants.
func (s *AdminService) ListGroups(ctx context.Context) ([]Group, error) {
	list, err := s.store.Groups(ctx).List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Group, 0, len(list))
	for _, g := range list {
		out = append(out, *g)
	}
	return out, nil
}

// GetGroup loads a group with its grants and member ids.
func (s *AdminService) GetGroup(ctx context.Context, id string) (Group, []string, error) {
	groups := s.store.Groups(ctx)
	g, err := groups.Find(ctx, id)
	if err != nil {
		return Group{}, nil, err
	}
	members, err := groups.Members(ctx, id)
	if err != nil {
		return Group{}, nil, err
	}
	return *g, members, nil
}

// DeleteGroup deletes a group and its memberships.
func (s *AdminService) DeleteGroup(ctx context.Context, id string) error {
	return s.store.Groups(ctx).Delete(ctx, id)
}

// AddGroupMember adds a user to a group.
func (s *AdminService) AddGroupMember(ctx context.Context, groupID, userID string) error {
	if _, err := s.store.Users(ctx).Find(ctx, userID); err != nil {
		return err
	}
	if _, err := s.store.Groups(ctx).Find(ctx, groupID); err != nil {
		return err
	}
	_, err := s.store.Groups(ctx).AddMember(ctx, groupID, userID)
	return err
}

// RemoveGroupMember removes a user from a group.
func (s *AdminService) RemoveGroupMember(ctx context.Context, groupID, userID string) error {
	removed, err := s.store.Groups(ctx).RemoveMember(ctx, groupID, userID)
	if err != nil {
		return err
	}
	if !removed {
		return ErrNotFound
	}
	return nil
}

// AddGroupGrant gives a grant to every member of a group.
func (s *AdminService) AddGroupGrant(ctx context.Context, groupID, grant string) error {
	grant, err := NormalizeGrant(grant)
	if err != nil {
		return err
	}
	if _, err := s.store.Groups(ctx).Find(ctx, groupID); err != nil {
		return err
	}
	_, err = s.store.Groups(ctx).AddGrant(ctx, groupID, grant)
	return err
}

// RemoveGroupGrant removes a grant from a group.
func (s *AdminService) RemoveGroupGrant(ctx context.Context, groupID, grant string) error {
	grant, err := NormalizeGrant(grant)
	if err != nil {
		return err
	}
	removed, err := s.store.Groups(ctx).RemoveGrant(ctx, groupID, grant)
	if err != nil {
		return err
	}
	if !removed {
		return ErrNotFound
	}
	return nil
}
