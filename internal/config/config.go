package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration. It is loaded from YAML and can be
// overridden by TENANTGATE_* environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig contains listener settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	GRPCAddr     string        `yaml:"grpc_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
}

// DatabaseConfig selects and tunes the store.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // postgres, sqlite or memory
	DSN             string        `yaml:"dsn"`
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// KeyConfig is one signing key. The first key in AuthConfig.Keys signs.
type KeyConfig struct {
	ID            string `yaml:"id"`
	Algorithm     string `yaml:"algorithm"`
	Secret        string `yaml:"secret"`
	PrivateKeyPEM string `yaml:"private_key_pem"`
	PublicKeyPEM  string `yaml:"public_key_pem"`
}

// AuthConfig contains token and credential policy.
type AuthConfig struct {
	Issuer          string        `yaml:"issuer"`
	Keys            []KeyConfig   `yaml:"keys"`
	AccessTTL       time.Duration `yaml:"access_ttl"`
	RefreshTTL      time.Duration `yaml:"refresh_ttl"`
	Leeway          time.Duration `yaml:"leeway"`
	RevokeOnLogin   bool          `yaml:"revoke_on_login"`
	ReplayPolicy    string        `yaml:"replay_policy"` // reject, revoke_session or revoke_user
	BcryptCost      int           `yaml:"bcrypt_cost"`
	HashConcurrency int           `yaml:"hash_concurrency"`
	UniqueEmails    bool          `yaml:"unique_emails"`
}

// LoggingConfig contains slog handler settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// RateLimitConfig throttles credential endpoints per client IP.
type RateLimitConfig struct {
	Burst     int `yaml:"burst"`
	PerSecond int `yaml:"per_second"`
}

// Load reads an optional .env file, the YAML file at path (skipped when path
// is empty), then applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config with development defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			GRPCAddr:     ":9090",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
			MaxBodyBytes: 1 << 20,
		},
		Database: DatabaseConfig{
			Driver:          "memory",
			Path:            "./data/tenantgate.db",
			MaxOpenConns:    10,
			MaxIdleConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
			AutoMigrate:     true,
		},
		Auth: AuthConfig{
			Issuer:          "tenantgate",
			AccessTTL:       15 * time.Minute,
			RefreshTTL:      30 * 24 * time.Hour,
			RevokeOnLogin:   true,
			ReplayPolicy:    "reject",
			HashConcurrency: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		RateLimit: RateLimitConfig{
			Burst:     10,
			PerSecond: 5,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TENANTGATE_HTTP_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("TENANTGATE_GRPC_ADDR"); v != "" {
		cfg.Server.GRPCAddr = v
	}
	if v := os.Getenv("TENANTGATE_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("TENANTGATE_PG_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("TENANTGATE_SQLITE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("TENANTGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TENANTGATE_REPLAY_POLICY"); v != "" {
		cfg.Auth.ReplayPolicy = v
	}
	if v := os.Getenv("TENANTGATE_REVOKE_ON_LOGIN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Auth.RevokeOnLogin = b
		}
	}

	// The signing secret always comes from the environment in production.
	if v := os.Getenv("TENANTGATE_JWT_SECRET"); v != "" {
		kid := os.Getenv("TENANTGATE_JWT_KID")
		if len(cfg.Auth.Keys) == 0 {
			cfg.Auth.Keys = []KeyConfig{{ID: kid, Algorithm: "HS256", Secret: v}}
		} else {
			cfg.Auth.Keys[0].Secret = v
			if kid != "" {
				cfg.Auth.Keys[0].ID = kid
			}
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for postgres")
		}
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, "database.path is required for sqlite")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}

	const minSecretLength = 32
	if len(c.Auth.Keys) == 0 {
		errs = append(errs, "auth.keys must contain a signing key (set TENANTGATE_JWT_SECRET)")
	}
	for i, k := range c.Auth.Keys {
		switch strings.ToUpper(k.Algorithm) {
		case "", "HS256":
			if len(k.Secret) < minSecretLength {
				errs = append(errs, fmt.Sprintf("auth.keys[%d].secret must be at least %d characters", i, minSecretLength))
			}
		case "RS256":
			if k.PublicKeyPEM == "" || (i == 0 && k.PrivateKeyPEM == "") {
				errs = append(errs, fmt.Sprintf("auth.keys[%d] requires PEM keys for RS256", i))
			}
		default:
			errs = append(errs, fmt.Sprintf("auth.keys[%d].algorithm %q is not supported", i, k.Algorithm))
		}
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		errs = append(errs, "auth.access_ttl and auth.refresh_ttl must be positive")
	} else if c.Auth.AccessTTL >= c.Auth.RefreshTTL {
		errs = append(errs, "auth.access_ttl must be shorter than auth.refresh_ttl")
	}
	switch c.Auth.ReplayPolicy {
	case "", "reject", "revoke_session", "revoke_user":
	default:
		errs = append(errs, fmt.Sprintf("auth.replay_policy %q is not supported", c.Auth.ReplayPolicy))
	}
	if c.RateLimit.Burst <= 0 || c.RateLimit.PerSecond <= 0 {
		errs = append(errs, "rate_limit.burst and rate_limit.per_second must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
