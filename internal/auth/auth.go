package auth

import (
	"context"
	"sort"
	"strings"

	"soauth.org/internal/credential"
)

// LoadUserData resolves the payload embedded into access credentials: the
// user's profile plus the union of direct and group grants.
func LoadUserData(ctx context.Context, store Store, userID string) (credential.UserData, error) {
	user, err := store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return credential.UserData{}, err
	}
	direct, err := store.Users(ctx).Grants(ctx, userID)
	if err != nil {
		return credential.UserData{}, err
	}
	groups, err := store.Groups(ctx).ForUser(ctx, userID)
	if err != nil {
		return credential.UserData{}, err
	}
	return buildUserData(user, direct, groups), nil
}

func buildUserData(user *User, direct []string, groups []*Group) credential.UserData {
	grants := append([]string(nil), direct...)
	names := make([]string, 0, len(groups))
	groupIDs := make([]string, 0, len(groups))
	for _, g := range groups {
		names = append(names, g.Name)
		groupIDs = append(groupIDs, g.ID)
		grants = append(grants, g.Grants...)
	}
	sort.Strings(names)
	sort.Strings(groupIDs)
	return credential.UserData{
		UserID:     user.ID,
		Username:   user.Username,
		FullName:   user.FullName,
		Email:      user.Email,
		Grants:     dedupeGrants(grants),
		GroupNames: names,
		GroupIDs:   groupIDs,
	}
}

func dedupeGrants(grants []string) []string {
	seen := make(map[string]struct{}, len(grants))
	normalized := make([]string, 0, len(grants))
	for _, g := range grants {
		g = strings.TrimSpace(strings.ToLower(g))
		if g == "" {
			continue
		}
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		normalized = append(normalized, g)
	}
	sort.Strings(normalized)
	return normalized
}

func hasGrant(data credential.UserData, grant string) bool {
	for _, g := range data.Grants {
		if g == grant {
			return true
		}
	}
	return false
}
