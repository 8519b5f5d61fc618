// Package config loads relay configuration from YAML, .env files and RELAY_* variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/router-for-me/GeminiRelay/internal/util"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigFile is used when no path is given.
	DefaultConfigFile = "config.yaml"
	// DevelopmentAdminToken is the admin token used when none is configured. Never deploy with it.
	DevelopmentAdminToken = "defaultAdminToken39CharactersLongForTesting"

	// DeleteModeHard removes caller token records on admin delete.
	DeleteModeHard = "hard"
	// DeleteModeSoft only deactivates caller tokens on admin delete.
	DeleteModeSoft = "soft"
)

// AppConfig holds command-line level settings.
type AppConfig struct {
	ConfigPath string
}

// Config is the full relay configuration.
type Config struct {
	Listen   string         `yaml:"listen"`
	GinMode  string         `yaml:"gin-mode"`
	Store    StoreConfig    `yaml:"store"`
	Admin    AdminConfig    `yaml:"admin"`
	Tokens   TokensConfig   `yaml:"tokens"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Pool     PoolConfig     `yaml:"pool"`
	Redeem   RedeemConfig   `yaml:"redeem"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// StoreConfig selects the KV backend.
type StoreConfig struct {
	// DSN is a SQLite path, a PostgreSQL DSN, redis:// URL or memory://.
	DSN       string `yaml:"dsn"`
	Namespace string `yaml:"namespace"`
}

// AdminConfig configures the admin credential and sessions.
type AdminConfig struct {
	Token     string    `yaml:"token"`
	TokenHash string    `yaml:"token-hash"` // bcrypt hash; takes precedence over Token.
	JWT       JWTConfig `yaml:"jwt"`
}

// JWTConfig configures admin session tokens.
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Expiry time.Duration `yaml:"expiry"`
}

// TokensConfig configures caller tokens.
type TokensConfig struct {
	SystemToken string `yaml:"system-token"`
	DeleteMode  string `yaml:"delete-mode"`
}

// UpstreamConfig describes the proxied API.
type UpstreamConfig struct {
	BaseURL        string        `yaml:"base-url"`
	WebSocketURL   string        `yaml:"websocket-url"`
	PathPrefix     string        `yaml:"path-prefix"`
	Suffixes       []string      `yaml:"suffixes"`
	RequestTimeout time.Duration `yaml:"request-timeout"`
}

// PoolConfig configures the credential pool.
type PoolConfig struct {
	ReloadSchedule string `yaml:"reload-schedule"`
}

// RedeemConfig configures redemption batches.
type RedeemConfig struct {
	MaxBatchSize int `yaml:"max-batch-size"`
}

// LoggingConfig configures logrus output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days"`
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every unset field.
func ApplyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.GinMode == "" {
		cfg.GinMode = "release"
	}
	if cfg.Store.DSN == "" {
		cfg.Store.DSN = filepath.Join(dataDir(), "relay.db")
	}
	if cfg.Store.Namespace == "" {
		cfg.Store.Namespace = "relay:"
	}
	if cfg.Admin.Token == "" && cfg.Admin.TokenHash == "" {
		cfg.Admin.Token = DevelopmentAdminToken
	}
	if cfg.Admin.JWT.Expiry <= 0 {
		cfg.Admin.JWT.Expiry = 12 * time.Hour
	}
	if cfg.Tokens.DeleteMode == "" {
		cfg.Tokens.DeleteMode = DeleteModeHard
	}
	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if cfg.Upstream.WebSocketURL == "" {
		cfg.Upstream.WebSocketURL = "wss://generativelanguage.googleapis.com"
	}
	if cfg.Upstream.PathPrefix == "" {
		cfg.Upstream.PathPrefix = "/v1beta/openai"
	}
	if len(cfg.Upstream.Suffixes) == 0 {
		cfg.Upstream.Suffixes = []string{"/chat/completions", "/embeddings", "/models"}
	}
	if cfg.Upstream.RequestTimeout <= 0 {
		cfg.Upstream.RequestTimeout = 10 * time.Minute
	}
	if cfg.Redeem.MaxBatchSize <= 0 {
		cfg.Redeem.MaxBatchSize = 1000
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups <= 0 {
		cfg.Logging.MaxBackups = 5
	}
	if cfg.Logging.MaxAgeDays <= 0 {
		cfg.Logging.MaxAgeDays = 30
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "gemini_relay"
	}
}

// ResolveConfigPath returns the explicit path, RELAY_CONFIG, or config.yaml under WRITABLE_PATH.
func ResolveConfigPath(path string) string {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		return trimmed
	}
	if env := strings.TrimSpace(os.Getenv("RELAY_CONFIG")); env != "" {
		return env
	}
	if base := util.WritablePath(); base != "" {
		return filepath.Join(base, DefaultConfigFile)
	}
	return DefaultConfigFile
}

// Load reads path (a missing file means defaults), loads .env outside production,
// applies RELAY_* overrides, then defaults, then validates.
func Load(path string) (*Config, error) {
	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}
	if path != "" {
		data, errRead := os.ReadFile(path)
		switch {
		case errRead == nil:
			if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
			}
		case errors.Is(errRead, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("config: read %s: %w", path, errRead)
		}
	}

	if !isProduction() {
		if errEnv := godotenv.Load(); errEnv != nil && !errors.Is(errEnv, os.ErrNotExist) {
			return nil, fmt.Errorf("config: load .env: %w", errEnv)
		}
	}
	if errOverride := applyEnvOverrides(cfg); errOverride != nil {
		return nil, errOverride
	}
	ApplyDefaults(cfg)
	if errValidate := Validate(cfg); errValidate != nil {
		return nil, fmt.Errorf("config: %w", errValidate)
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(cfg.Listen) == "" {
		return errors.New("listen address is required")
	}
	switch cfg.Tokens.DeleteMode {
	case DeleteModeHard, DeleteModeSoft:
	default:
		return fmt.Errorf("tokens.delete-mode must be %q or %q, got %q", DeleteModeHard, DeleteModeSoft, cfg.Tokens.DeleteMode)
	}
	for name, raw := range map[string]string{
		"upstream.base-url":      cfg.Upstream.BaseURL,
		"upstream.websocket-url": cfg.Upstream.WebSocketURL,
	} {
		parsed, errParse := url.Parse(raw)
		if errParse != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
		}
	}
	if !strings.HasPrefix(cfg.Upstream.PathPrefix, "/") {
		return fmt.Errorf("upstream.path-prefix must start with /, got %q", cfg.Upstream.PathPrefix)
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", cfg.Metrics.Path)
	}
	return nil
}

// UsesDevelopmentAdminToken reports whether the built-in development token is active.
func (c *Config) UsesDevelopmentAdminToken() bool {
	return c.Admin.TokenHash == "" && c.Admin.Token == DevelopmentAdminToken
}

func isProduction() bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv("RELAY_ENV")), "production")
}

func dataDir() string {
	if base := util.WritablePath(); base != "" {
		return filepath.Join(base, "data")
	}
	return "data"
}
