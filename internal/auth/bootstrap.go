package auth

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// Bootstrap describes the objects created at process start.
type Bootstrap struct {
	ServerAppName string
	ServerDomain  string
	InitialAdmin  string
}

// BootstrapResult reports what Run created.
type BootstrapResult struct {
	ServerApp    App
	ClientSecret string
	AdminCreated bool
}

// Run is idempotent: organization groups, the server's own app and the initial
// admin are created only when absent.
func (b Bootstrap) Run(ctx context.Context, rec *Reconciler, apps *AppService, admin *AdminService, logger *zap.Logger) (BootstrapResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var res BootstrapResult
	if rec != nil {
		if err := rec.EnsureGroups(ctx); err != nil {
			return res, err
		}
	}
	if b.ServerAppName != "" {
		app, secret, err := apps.EnsureApp(ctx, NewApp{
			Name:      b.ServerAppName,
			Domain:    b.ServerDomain,
			APIAccess: true,
		})
		if err != nil {
			return res, err
		}
		res.ServerApp, res.ClientSecret = app, secret
		if secret != "" {
			logger.Info("bootstrap.server_app_created", zap.String("app_id", app.ID))
		}
	}
	if name := strings.TrimSpace(b.InitialAdmin); name != "" {
		user, created, err := admin.EnsureUser(ctx, name)
		if err != nil {
			return res, err
		}
		if err := admin.AddUserGrant(ctx, user.ID, GrantAdmin); err != nil {
			return res, err
		}
		res.AdminCreated = created
		logger.Info("bootstrap.initial_admin", zap.String("user", user.Username), zap.Bool("created", created))
	}
	return res, nil
}
