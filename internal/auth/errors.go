package auth

import "errors"

var (
	ErrNotFound       = errors.New("auth: not found")
	ErrConflict       = errors.New("auth: already exists")
	ErrInvalidInput   = errors.New("auth: invalid input")
	ErrUnauthorized   = errors.New("auth: unauthorized")
	ErrNotImplemented = errors.New("auth: not implemented")
)

// Refresh exchange outcomes.
var (
	ErrInvalidRefreshToken = errors.New("auth: invalid refresh token")
	ErrReuseDetected       = errors.New("auth: refresh token reuse detected")
	ErrExpired             = errors.New("auth: refresh token expired")
	ErrRotationConflict    = errors.New("auth: session is no longer active")
	ErrOracleTimeout       = errors.New("auth: membership oracle unavailable")
	ErrNotVisible          = errors.New("auth: app is not visible to user")
)

// Login flow outcomes.
var (
	ErrStaleLogin          = errors.New("auth: login request not found or stale")
	ErrInvalidLoginCode    = errors.New("auth: invalid login code")
	ErrInvalidClientSecret = errors.New("auth: invalid client secret")
	ErrRedirectInvalid     = errors.New("auth: redirect host does not match app domain")
)
