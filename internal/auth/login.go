package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"soauth.org/internal/ids"
)

const statePrefix = "login:"

// StartLogin records a login request for app and returns it together with the
// signed state to hand to the identity provider.
func (s *Service) StartLogin(ctx context.Context, appID, redirectTo string) (LoginRequest, string, error) {
	if s.stateKey == nil {
		return LoginRequest{}, "", fmt.Errorf("%w: login state key is not configured", ErrNotImplemented)
	}
	app, err := s.store.Apps(ctx).Find(ctx, appID)
	if err != nil {
		return LoginRequest{}, "", err
	}
	redirect, err := resolveRedirect(*app, redirectTo)
	if err != nil {
		return LoginRequest{}, "", err
	}
	req := LoginRequest{
		ID:          ids.New(),
		AppID:       app.ID,
		RedirectTo:  redirect,
		InitiatedAt: s.now().UTC(),
	}
	if err := s.store.Logins(ctx).Create(ctx, &req); err != nil {
		return LoginRequest{}, "", err
	}
	state, err := s.signState(req.ID)
	if err != nil {
		return LoginRequest{}, "", err
	}
	return req, state, nil
}

// resolveRedirect accepts redirectTo only on the app's own host.
func resolveRedirect(app App, redirectTo string) (string, error) {
	redirectTo = strings.TrimSpace(redirectTo)
	if redirectTo == "" {
		redirectTo = app.RedirectURL
	}
	target, err := url.Parse(redirectTo)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		return "", ErrRedirectInvalid
	}
	domain, err := url.Parse(app.Domain)
	if err != nil || !strings.EqualFold(target.Host, domain.Host) {
		return "", ErrRedirectInvalid
	}
	return target.String(), nil
}

func (s *Service) signState(id string) (string, error) {
	sig, err := s.stateKey.Sign([]byte(statePrefix + id))
	if err != nil {
		return "", err
	}
	return id + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func (s *Service) verifyState(state string) (string, bool) {
	if s.stateKey == nil {
		return "", false
	}
	id, encoded, ok := strings.Cut(state, ".")
	if !ok || id == "" {
		return "", false
	}
	sig, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", false
	}
	return id, s.stateKey.Verify([]byte(statePrefix+id), sig)
}

func (s *Service) loginIsStale(req *LoginRequest, now time.Time) bool {
	return req.Stale || now.Sub(req.InitiatedAt) > s.staleLogin
}

// CompleteLogin finishes the provider round trip: the user is created or
// updated, organization memberships are applied and a one-time code is stored.
// The returned URL sends the browser back to the app with that code.
func (s *Service) CompleteLogin(ctx context.Context, state string, identity RemoteIdentity) (string, error) {
	id, ok := s.verifyState(state)
	if !ok {
		return "", ErrStaleLogin
	}
	req, err := s.store.Logins(ctx).Find(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return "", ErrStaleLogin
	}
	if err != nil {
		return "", err
	}
	now := s.now().UTC()
	if req.CompletedAt != nil || s.loginIsStale(req, now) {
		return "", ErrStaleLogin
	}

	user, err := s.upsertUser(ctx, identity, now)
	if err != nil {
		return "", err
	}
	if s.reconciler != nil {
		if _, err := s.reconciler.ApplyAndRecord(ctx, *user, s.reconciler.FromOrganizations(identity.Organizations)); err != nil {
			return "", err
		}
	}

	app, err := s.store.Apps(ctx).Find(ctx, req.AppID)
	if err != nil {
		return "", err
	}
	if app.VisibilityGrant != "" {
		data, err := LoadUserData(ctx, s.store, user.ID)
		if err != nil {
			return "", err
		}
		if !hasGrant(data, app.VisibilityGrant) {
			return "", ErrNotVisible
		}
	}

	code, err := randomSecret(loginCodeBytes)
	if err != nil {
		return "", err
	}
	if err := s.store.Logins(ctx).Complete(ctx, req.ID, user.ID, hashLoginCode(code), now); err != nil {
		if errors.Is(err, ErrConflict) {
			return "", ErrStaleLogin
		}
		return "", err
	}
	target, err := url.Parse(req.RedirectTo)
	if err != nil {
		return "", ErrRedirectInvalid
	}
	q := target.Query()
	q.Set("code", code)
	target.RawQuery = q.Encode()
	s.logger.Info("login.completed", zap.String("user", user.Username), zap.String("app_id", app.ID))
	return target.String(), nil
}

func (s *Service) upsertUser(ctx context.Context, identity RemoteIdentity, now time.Time) (*User, error) {
	username, err := NormalizeUsername(identity.Username)
	if err != nil {
		return nil, err
	}
	users := s.store.Users(ctx)
	user, err := users.FindByUsername(ctx, username)
	switch {
	case errors.Is(err, ErrNotFound):
		user = &User{
			ID:          ids.NewUUID(),
			Username:    username,
			FullName:    strings.TrimSpace(identity.FullName),
			Email:       strings.TrimSpace(identity.Email),
			CreatedAt:   now,
			LastLoginAt: &now,
		}
		if err := users.Create(ctx, user); err != nil {
			return nil, err
		}
		s.logger.Info("user.created", zap.String("user", username))
		return user, nil
	case err != nil:
		return nil, err
	}
	if v := strings.TrimSpace(identity.FullName); v != "" {
		user.FullName = v
	}
	if v := strings.TrimSpace(identity.Email); v != "" {
		user.Email = v
	}
	user.LastLoginAt = &now
	if err := users.UpdateProfile(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// RedeemCode trades a one-time login code and the app client secret for the
// first credential pair of a new login session.
func (s *Service) RedeemCode(ctx context.Context, code, clientSecret string) (TokenPair, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return TokenPair{}, ErrInvalidLoginCode
	}
	logins := s.store.Logins(ctx)
	req, err := logins.FindByCode(ctx, hashLoginCode(code))
	if errors.Is(err, ErrNotFound) {
		return TokenPair{}, ErrInvalidLoginCode
	}
	if err != nil {
		return TokenPair{}, err
	}
	now := s.now().UTC()
	if req.CompletedAt == nil || req.RedeemedAt != nil || req.Stale || now.Sub(*req.CompletedAt) > s.staleLogin {
		return TokenPair{}, ErrInvalidLoginCode
	}
	app, err := s.store.Apps(ctx).Find(ctx, req.AppID)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.apps.CheckClientSecret(*app, clientSecret); err != nil {
		return TokenPair{}, err
	}
	if err := logins.Redeem(ctx, req.ID, now); err != nil {
		if errors.Is(err, ErrConflict) {
			return TokenPair{}, ErrInvalidLoginCode
		}
		return TokenPair{}, err
	}
	return s.FirstIssue(ctx, req.UserID, req.AppID, SessionKindLogin)
}

// ExpireStaleLogins marks unfinished requests older than the stale window and
// deletes records older than the retention period.
func (s *Service) ExpireStaleLogins(ctx context.Context) (stale, deleted int64, err error) {
	now := s.now().UTC()
	logins := s.store.Logins(ctx)
	if stale, err = logins.MarkStale(ctx, now.Add(-s.staleLogin)); err != nil {
		return 0, 0, err
	}
	if deleted, err = logins.DeleteBefore(ctx, now.Add(-s.loginRecord)); err != nil {
		return stale, 0, err
	}
	if stale > 0 || deleted > 0 {
		s.logger.Info("login.housekeeping", zap.Int64("stale", stale), zap.Int64("deleted", deleted))
	}
	return stale, deleted, nil
}
