package auth

import (
	"strings"

	"soauth.org/internal/credential"
)

// Decision is the outcome of an authorization check.
type Decision bool

const (
	Denied  Decision = false
	Allowed Decision = true
)

func (d Decision) String() string {
	if d {
		return "allowed"
	}
	return "denied"
}

// Evaluate allows the request only when cred carries requiredGrant.
// It performs no I/O and is safe for concurrent use.
func Evaluate(cred credential.AccessCredential, requiredGrant string) Decision {
	requiredGrant = strings.TrimSpace(requiredGrant)
	if requiredGrant == "" {
		return Denied
	}
	return Decision(cred.HasGrant(requiredGrant))
}

// EvaluateApp checks the app's visibility grant. Apps without one are open to
// every authenticated user.
func EvaluateApp(cred credential.AccessCredential, app App) Decision {
	if app.VisibilityGrant == "" {
		return Allowed
	}
	return Evaluate(cred, app.VisibilityGrant)
}

// EvaluateAny allows the request when cred carries at least one of grants.
func EvaluateAny(cred credential.AccessCredential, grants ...string) Decision {
	for _, g := range grants {
		if Evaluate(cred, g) == Allowed {
			return Allowed
		}
	}
	return Denied
}
