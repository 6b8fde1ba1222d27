package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const envPrefix = "SOAUTH_"

const (
	DatabaseSQLite   = "sqlite"
	DatabasePostgres = "postgres"
)

// Config is built once at startup and handed to constructors by value.
type Config struct {
	Hostname   string `env:"HOSTNAME" envDefault:"http://localhost:8000"`
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8000"`
	GRPCAddr   string `env:"GRPC_ADDR" envDefault:":8081"`

	DatabaseType string `env:"DATABASE_TYPE" envDefault:"sqlite"`
	DatabaseDSN  string `env:"DATABASE_DSN" envDefault:"soauth.db"`

	KeyPassword string `env:"KEY_PASSWORD"`

	AccessKeyExpiry   time.Duration `env:"ACCESS_KEY_EXPIRY" envDefault:"8h"`
	RefreshKeyExpiry  time.Duration `env:"REFRESH_KEY_EXPIRY" envDefault:"4368h"`
	APIKeyExpiry      time.Duration `env:"API_KEY_EXPIRY" envDefault:"8736h"`
	StaleLoginExpiry  time.Duration `env:"STALE_LOGIN_EXPIRY" envDefault:"30m"`
	LoginRecordLength time.Duration `env:"LOGIN_RECORD_LENGTH" envDefault:"336h"`

	SingleLoginSession bool `env:"SINGLE_LOGIN_SESSION" envDefault:"true"`

	GitHubClientID           string   `env:"GITHUB_CLIENT_ID"`
	GitHubClientSecret       string   `env:"GITHUB_CLIENT_SECRET"`
	GitHubRedirectURI        string   `env:"GITHUB_REDIRECT_URI"`
	GitHubOrganizationChecks []string `env:"GITHUB_ORGANIZATION_CHECKS" envSeparator:","`
	GitHubAPIURL             string   `env:"GITHUB_API_URL" envDefault:"https://api.github.com"`

	OracleTimeout time.Duration `env:"ORACLE_TIMEOUT" envDefault:"5s"`
	OracleRetries uint          `env:"ORACLE_RETRIES" envDefault:"2"`

	InitialAdmin string `env:"INITIAL_ADMIN"`

	RedisAddr          string `env:"REDIS_ADDR"`
	RateLimitBurst     int    `env:"RATE_LIMIT_BURST" envDefault:"20"`
	RateLimitPerSecond int    `env:"RATE_LIMIT_PER_SECOND" envDefault:"5"`

	LogLevel             string        `env:"LOG_LEVEL" envDefault:"info"`
	HousekeepingInterval time.Duration `env:"HOUSEKEEPING_INTERVAL" envDefault:"10m"`
}

// Load reads an optional dotenv file and then the SOAUTH_ environment.
func Load() (Config, error) {
	envFile := os.Getenv(envPrefix + "ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}
	return Parse(nil)
}

// Parse builds a Config from environ (or the process environment when nil)
// and validates it.
func Parse(environ map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{Prefix: envPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.GitHubOrganizationChecks = normalizeOrgs(cfg.GitHubOrganizationChecks)
	cfg.InitialAdmin = strings.ToLower(strings.TrimSpace(cfg.InitialAdmin))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.KeyPassword) == "" {
		return errors.New("config: SOAUTH_KEY_PASSWORD is required")
	}
	switch c.DatabaseType {
	case DatabaseSQLite, DatabasePostgres:
	default:
		return fmt.Errorf("config: unsupported database type %q", c.DatabaseType)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return errors.New("config: SOAUTH_DATABASE_DSN is required")
	}
	if _, err := url.ParseRequestURI(c.Hostname); err != nil {
		return fmt.Errorf("config: invalid hostname %q: %w", c.Hostname, err)
	}
	durations := map[string]time.Duration{
		"ACCESS_KEY_EXPIRY":   c.AccessKeyExpiry,
		"REFRESH_KEY_EXPIRY":  c.RefreshKeyExpiry,
		"API_KEY_EXPIRY":      c.APIKeyExpiry,
		"STALE_LOGIN_EXPIRY":  c.StaleLoginExpiry,
		"LOGIN_RECORD_LENGTH": c.LoginRecordLength,
		"ORACLE_TIMEOUT":      c.OracleTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("config: %s%s must be positive", envPrefix, name)
		}
	}
	if c.LoginRecordLength < c.StaleLoginExpiry {
		return errors.New("config: login record length must not be shorter than the stale login window")
	}
	if c.RateLimitBurst <= 0 || c.RateLimitPerSecond <= 0 {
		return errors.New("config: rate limit values must be positive")
	}
	return nil
}

// GitHubEnabled reports whether the GitHub provider is configured.
func (c Config) GitHubEnabled() bool {
	return c.GitHubClientID != "" && c.GitHubClientSecret != ""
}

func normalizeOrgs(orgs []string) []string {
	seen := make(map[string]struct{}, len(orgs))
	out := make([]string, 0, len(orgs))
	for _, org := range orgs {
		org = strings.ToLower(strings.TrimSpace(org))
		if org == "" {
			continue
		}
		if _, ok := seen[org]; ok {
			continue
		}
		seen[org] = struct{}{}
		out = append(out, org)
	}
	return out
}
