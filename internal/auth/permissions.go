package auth

import (
	"fmt"
	"strings"
)

const (
	GrantAdmin      = "admin"
	GrantAppManager = "appmanager"
)

// BuiltinGrants are understood by the server itself.
var BuiltinGrants = []string{GrantAdmin, GrantAppManager}

// NormalizeGrant lowercases and trims a grant name.
func NormalizeGrant(grant string) (string, error) {
	grant = strings.ToLower(strings.TrimSpace(grant))
	if grant == "" {
		return "", fmt.Errorf("%w: grant is required", ErrInvalidInput)
	}
	if strings.ContainsAny(grant, " \t\r\n") {
		return "", fmt.Errorf("%w: grant %q contains whitespace", ErrInvalidInput, grant)
	}
	return grant, nil
}

// NormalizeGroupName lowercases a group name and replaces spaces with underscores.
func NormalizeGroupName(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", fmt.Errorf("%w: group name is required", ErrInvalidInput)
	}
	return strings.Join(strings.Fields(name), "_"), nil
}

// NormalizeUsername lowercases a provider username.
func NormalizeUsername(username string) (string, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return "", fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	return username, nil
}
