// Package app implements soauthctl, the operator tool for a soauth database.
package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"soauth.org/internal/auth"
	"soauth.org/internal/config"
	"soauth.org/internal/database"
	"soauth.org/internal/obs"
	"soauth.org/internal/store"
)

// env is what every subcommand needs: configuration, the store and the
// services built on it.
type env struct {
	cfg    config.Config
	store  *store.Store
	apps   *auth.AppService
	admin  *auth.AdminService
	svc    *auth.Service
	logger *zap.Logger
}

func (e *env) Close() {
	if e.store != nil {
		_ = e.store.Close()
	}
}

// openEnv loads configuration and opens the store. Schema migrations are not
// applied here; the migrate command owns that.
var openEnv = func(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	obs.SetLogger(logger)
	st, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newEnv(cfg, st, logger)
}

func newEnv(cfg config.Config, st *store.Store, logger *zap.Logger) (*env, error) {
	e := &env{cfg: cfg, store: st, logger: logger}
	var err error
	if e.apps, err = auth.NewAppService(st, cfg.KeyPassword, auth.WithAppIssuer(cfg.Hostname), auth.WithAppLogger(logger)); err != nil {
		e.Close()
		return nil, err
	}
	if e.admin, err = auth.NewAdminService(st, logger); err != nil {
		e.Close()
		return nil, err
	}
	if e.svc, err = auth.NewService(st, e.apps,
		auth.WithRefreshTTL(cfg.RefreshKeyExpiry),
		auth.WithAPIKeyTTL(cfg.APIKeyExpiry),
		auth.WithLogger(logger),
	); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// withEnv adapts a function needing an env into a cobra RunE.
func withEnv(fn func(cmd *cobra.Command, e *env, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return fmt.Errorf("open: %w", err)
		}
		defer e.Close()
		return fn(cmd, e, args)
	}
}

// NewRootCmd creates the soauthctl command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:               "soauthctl",
		Short:             "Administer a soauth deployment",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Long: `soauthctl operates directly on the soauth database configured through the
SOAUTH_ environment. It runs schema migrations, regenerates signing keys,
manages user grants and revokes sessions.`,
	}
	root.AddCommand(
		newMigrateCmd(),
		newKeysCmd(),
		newAppsCmd(),
		newGrantCmd(),
		newSessionsCmd(),
	)
	return root
}
