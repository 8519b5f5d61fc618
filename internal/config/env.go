package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies RELAY_* variables on top of the file values.
func applyEnvOverrides(cfg *Config) error {
	stringVars := []struct {
		name string
		dst  *string
	}{
		{"RELAY_LISTEN", &cfg.Listen},
		{"RELAY_GIN_MODE", &cfg.GinMode},
		{"RELAY_STORE_DSN", &cfg.Store.DSN},
		{"RELAY_STORE_NAMESPACE", &cfg.Store.Namespace},
		{"RELAY_ADMIN_TOKEN", &cfg.Admin.Token},
		{"RELAY_ADMIN_TOKEN_HASH", &cfg.Admin.TokenHash},
		{"RELAY_JWT_SECRET", &cfg.Admin.JWT.Secret},
		{"RELAY_SYSTEM_TOKEN", &cfg.Tokens.SystemToken},
		{"RELAY_TOKENS_DELETE_MODE", &cfg.Tokens.DeleteMode},
		{"RELAY_UPSTREAM_BASE_URL", &cfg.Upstream.BaseURL},
		{"RELAY_UPSTREAM_WEBSOCKET_URL", &cfg.Upstream.WebSocketURL},
		{"RELAY_UPSTREAM_PATH_PREFIX", &cfg.Upstream.PathPrefix},
		{"RELAY_POOL_RELOAD_SCHEDULE", &cfg.Pool.ReloadSchedule},
		{"RELAY_LOG_LEVEL", &cfg.Logging.Level},
		{"RELAY_LOG_FILE", &cfg.Logging.File},
		{"RELAY_METRICS_PATH", &cfg.Metrics.Path},
	}
	for _, item := range stringVars {
		if val, ok := lookup(item.name); ok {
			*item.dst = val
		}
	}

	if val, ok := lookup("RELAY_UPSTREAM_SUFFIXES"); ok {
		var suffixes []string
		for _, part := range strings.Split(val, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				suffixes = append(suffixes, trimmed)
			}
		}
		cfg.Upstream.Suffixes = suffixes
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"RELAY_UPSTREAM_REQUEST_TIMEOUT", &cfg.Upstream.RequestTimeout},
		{"RELAY_JWT_EXPIRY", &cfg.Admin.JWT.Expiry},
	}
	for _, item := range durations {
		if val, ok := lookup(item.name); ok {
			d, errParse := time.ParseDuration(val)
			if errParse != nil {
				return fmt.Errorf("config: %s: %w", item.name, errParse)
			}
			*item.dst = d
		}
	}

	if val, ok := lookup("RELAY_REDEEM_MAX_BATCH_SIZE"); ok {
		n, errParse := strconv.Atoi(val)
		if errParse != nil {
			return fmt.Errorf("config: RELAY_REDEEM_MAX_BATCH_SIZE: %w", errParse)
		}
		cfg.Redeem.MaxBatchSize = n
	}
	if val, ok := lookup("RELAY_METRICS_ENABLED"); ok {
		enabled, errParse := strconv.ParseBool(val)
		if errParse != nil {
			return fmt.Errorf("config: RELAY_METRICS_ENABLED: %w", errParse)
		}
		cfg.Metrics.Enabled = enabled
	}
	return nil
}

func lookup(name string) (string, bool) {
	val, ok := os.LookupEnv(name)
	if !ok {
		return "", false
	}
	val = strings.TrimSpace(val)
	return val, val != ""
}
