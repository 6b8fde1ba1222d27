package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"soauth.org/internal/auth"
	"soauth.org/internal/config"
	"soauth.org/internal/database"
	"soauth.org/internal/github"
	"soauth.org/internal/httpapi"
	"soauth.org/internal/keys"
	"soauth.org/internal/obs"
	"soauth.org/internal/ratelimit"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

const (
	serverKeyName     = "server"
	serverAppName     = "soauth"
	sessionPurgeGrace = 7 * 24 * time.Hour
	shutdownTimeout   = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	obs.SetLogger(logger)
	defer func() { _ = logger.Sync() }()

	// Register metrics before anything can observe them.
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("soauth.exit", zap.Error(err))
	}
	logger.Info("soauth.stopped")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	st, applied, err := database.OpenMigrated(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	logger.Info("database.ready", zap.String("type", cfg.DatabaseType), zap.Int("migrations_applied", applied))

	serverKey, created, err := keys.LoadOrGenerate(ctx, st.Keys(ctx), serverKeyName, cfg.KeyPassword)
	if err != nil {
		return err
	}
	if created {
		logger.Warn("keys.server_generated", zap.String("key_id", serverKey.ID()))
	}

	provider, err := github.New(github.Config{
		ClientID:     cfg.GitHubClientID,
		ClientSecret: cfg.GitHubClientSecret,
		RedirectURL:  cfg.GitHubRedirectURI,
		APIURL:       cfg.GitHubAPIURL,
		Retries:      cfg.OracleRetries,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	rec := auth.NewReconciler(st, provider, cfg.GitHubOrganizationChecks,
		auth.WithOracleTimeout(cfg.OracleTimeout),
		auth.WithReconcilerLogger(logger),
	)
	apps, err := auth.NewAppService(st, cfg.KeyPassword,
		auth.WithAppIssuer(cfg.Hostname),
		auth.WithAppLogger(logger),
	)
	if err != nil {
		return err
	}
	admin, err := auth.NewAdminService(st, logger)
	if err != nil {
		return err
	}
	svc, err := auth.NewService(st, apps,
		auth.WithAccessTTL(cfg.AccessKeyExpiry),
		auth.WithRefreshTTL(cfg.RefreshKeyExpiry),
		auth.WithAPIKeyTTL(cfg.APIKeyExpiry),
		auth.WithLoginWindow(cfg.StaleLoginExpiry, cfg.LoginRecordLength),
		auth.WithSingleLoginSession(cfg.SingleLoginSession),
		auth.WithReconciler(rec),
		auth.WithStateKey(serverKey),
		auth.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	boot, err := auth.Bootstrap{
		ServerAppName: serverAppName,
		ServerDomain:  cfg.Hostname,
		InitialAdmin:  cfg.InitialAdmin,
	}.Run(ctx, rec, apps, admin, logger)
	if err != nil {
		return err
	}
	if boot.ClientSecret != "" {
		logger.Warn("bootstrap.client_secret_discarded",
			zap.String("app_id", boot.ServerApp.ID),
			zap.String("hint", "run soauthctl apps rotate-secret to obtain one"))
	}

	limiter, closeLimiter, err := newLimiter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	var loginProvider httpapi.LoginProvider
	if provider.Enabled() {
		loginProvider = provider
	} else {
		logger.Warn("github.disabled", zap.String("reason", "SOAUTH_GITHUB_CLIENT_ID is not set"))
	}

	probe := httpapi.ReadyProbe{DB: st.DB()}
	api, err := httpapi.New(httpapi.Config{
		Service:       svc,
		Apps:          apps,
		Admin:         admin,
		Provider:      loginProvider,
		Ready:         probe,
		Limiter:       limiter,
		Logger:        logger,
		ServerAppID:   boot.ServerApp.ID,
		Version:       version,
		SecureCookies: strings.HasPrefix(cfg.Hostname, "https://"),
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	grpcServer := grpc.NewServer()
	health := httpapi.NewGRPCServer(probe, version, logger)
	health.Register(grpcServer)

	housekeeper := auth.NewHousekeeper(svc, cfg.HousekeepingInterval, sessionPurgeGrace, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http.listen", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		logger.Info("grpc.listen", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		health.Run(gctx, 5*time.Second)
		return nil
	})
	g.Go(func() error {
		housekeeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("soauth.shutting_down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		grpcServer.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newLimiter uses Redis when configured so that replicas share one budget.
func newLimiter(ctx context.Context, cfg config.Config, logger *zap.Logger) (ratelimit.Limiter, func(), error) {
	if cfg.RedisAddr == "" {
		mem := ratelimit.NewMemory(cfg.RateLimitBurst, cfg.RateLimitPerSecond, 5*time.Minute)
		go mem.Run(ctx, time.Minute)
		return mem, func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	logger.Info("ratelimit.redis", zap.String("addr", cfg.RedisAddr))
	window := ratelimit.Window(cfg.RateLimitBurst, cfg.RateLimitPerSecond)
	return ratelimit.NewRedis(client, "", cfg.RateLimitBurst, window), func() { _ = client.Close() }, nil
}
