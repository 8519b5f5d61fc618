package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if errWrite := os.WriteFile(path, []byte(body), 0o600); errWrite != nil {
		t.Fatalf("write config: %v", errWrite)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("RELAY_ENV", "production")
	cfg, errLoad := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if errLoad != nil {
		t.Fatalf("load: %v", errLoad)
	}
	if cfg.Listen != ":8080" {
		t.Fatalf("expected default listen, got %q", cfg.Listen)
	}
	if cfg.Upstream.PathPrefix != "/v1beta/openai" || cfg.Upstream.RequestTimeout != 10*time.Minute {
		t.Fatalf("unexpected upstream defaults %+v", cfg.Upstream)
	}
	if !cfg.UsesDevelopmentAdminToken() {
		t.Fatalf("expected development admin token by default")
	}
	if !cfg.Metrics.Enabled || cfg.Tokens.DeleteMode != DeleteModeHard {
		t.Fatalf("unexpected defaults %+v %+v", cfg.Metrics, cfg.Tokens)
	}
}

func TestLoadYAMLAndEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_ENV", "production")
	path := writeConfig(t, t.TempDir(), `
listen: ":9090"
store:
  dsn: "memory://"
admin:
  token: "from-file"
tokens:
  delete-mode: soft
upstream:
  request-timeout: 30s
  suffixes: ["/chat/completions"]
metrics:
  path: /internal/metrics
`)
	t.Setenv("RELAY_ADMIN_TOKEN", "from-env")
	t.Setenv("RELAY_UPSTREAM_REQUEST_TIMEOUT", "45s")

	cfg, errLoad := Load(path)
	if errLoad != nil {
		t.Fatalf("load: %v", errLoad)
	}
	if cfg.Listen != ":9090" || cfg.Store.DSN != "memory://" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Admin.Token != "from-env" {
		t.Fatalf("expected env override, got %q", cfg.Admin.Token)
	}
	if cfg.Upstream.RequestTimeout != 45*time.Second {
		t.Fatalf("expected 45s timeout, got %s", cfg.Upstream.RequestTimeout)
	}
	if cfg.Tokens.DeleteMode != DeleteModeSoft || len(cfg.Upstream.Suffixes) != 1 {
		t.Fatalf("unexpected values %+v %+v", cfg.Tokens, cfg.Upstream.Suffixes)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/internal/metrics" {
		t.Fatalf("unexpected metrics config %+v", cfg.Metrics)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("RELAY_ENV", "production")
	cases := map[string]string{
		"delete mode": "tokens:\n  delete-mode: archive\n",
		"base url":    "upstream:\n  base-url: not-a-url\n",
		"path prefix": "upstream:\n  path-prefix: v1beta\n",
		"bad yaml":    "listen: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), body)
			if _, errLoad := Load(path); errLoad == nil {
				t.Fatalf("expected error")
			}
		})
	}

	t.Run("bad duration env", func(t *testing.T) {
		t.Setenv("RELAY_JWT_EXPIRY", "soon")
		if _, errLoad := Load(""); errLoad == nil {
			t.Fatalf("expected error")
		}
	})
}

func TestLoadDotEnvOutsideProduction(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	if errChdir := os.Chdir(dir); errChdir != nil {
		t.Fatalf("chdir: %v", errChdir)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	if errWrite := os.WriteFile(".env", []byte("RELAY_SYSTEM_TOKEN=from-dotenv\n"), 0o600); errWrite != nil {
		t.Fatalf("write .env: %v", errWrite)
	}
	t.Setenv("RELAY_ENV", "development")
	// Register for cleanup; godotenv only sets variables that are absent.
	t.Setenv("RELAY_SYSTEM_TOKEN", "")
	_ = os.Unsetenv("RELAY_SYSTEM_TOKEN")

	cfg, errLoad := Load("")
	if errLoad != nil {
		t.Fatalf("load: %v", errLoad)
	}
	if cfg.Tokens.SystemToken != "from-dotenv" {
		t.Fatalf("expected system token from .env, got %q", cfg.Tokens.SystemToken)
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("RELAY_CONFIG", "")
	t.Setenv("WRITABLE_PATH", "")
	if got := ResolveConfigPath(" custom.yaml "); got != "custom.yaml" {
		t.Fatalf("expected explicit path, got %q", got)
	}
	t.Setenv("RELAY_CONFIG", "/etc/relay.yaml")
	if got := ResolveConfigPath(""); got != "/etc/relay.yaml" {
		t.Fatalf("expected env path, got %q", got)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	t.Setenv("RELAY_ENV", "production")
	dir := t.TempDir()
	path := writeConfig(t, dir, "logging:\n  level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan *Config, 1)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(cfg *Config) {
			select {
			case changes <- cfg:
			default:
			}
		})
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, dir, "logging:\n  level: debug\n")

	select {
	case cfg := <-changes:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("expected debug level, got %q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for reload")
	}
	cancel()
	if errWatch := <-done; errWatch != nil {
		t.Fatalf("watch: %v", errWatch)
	}
}
