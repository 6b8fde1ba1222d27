package auth

import (
	"context"

	"soauth.org/internal/credential"
)

type credentialContextKey struct{}
type tokenContextKey struct{}

// ContextWithCredential attaches the decoded access credential to the context.
func ContextWithCredential(ctx context.Context, cred credential.AccessCredential) context.Context {
	return context.WithValue(ctx, credentialContextKey{}, &cred)
}

// CredentialFromContext extracts the decoded access credential from the context.
func CredentialFromContext(ctx context.Context) (credential.AccessCredential, bool) {
	if ctx == nil {
		return credential.AccessCredential{}, false
	}
	v, ok := ctx.Value(credentialContextKey{}).(*credential.AccessCredential)
	if !ok || v == nil {
		return credential.AccessCredential{}, false
	}
	return *v, true
}

// UserIDFromContext returns the authenticated user id, if any.
func UserIDFromContext(ctx context.Context) string {
	cred, ok := CredentialFromContext(ctx)
	if !ok {
		return ""
	}
	return cred.UserID
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
