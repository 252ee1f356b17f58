package config

import (
	"os"
	"path/filepath"
	"testing"

	"fsproxy/internal/core/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "fsproxy-config-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
proxy:
  cache_dir: /tmp/fsproxy-test-cache
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Proxy == nil {
		t.Fatalf("proxy section missing")
	}

	if cfg.Proxy.CacheDir != "/tmp/fsproxy-test-cache" {
		t.Fatalf("cache_dir = %q", cfg.Proxy.CacheDir)
	}
	// Unset fields fall back to defaults.
	if cfg.Proxy.ServerURL == nil || cfg.Proxy.ServerURL.String() != "http://localhost:9090" {
		t.Fatalf("server_url default not applied: %v", cfg.Proxy.ServerURL)
	}
	if cfg.Proxy.CacheSize != types.Bytes(64*1024*1024) {
		t.Fatalf("cache_size default not applied: %d", cfg.Proxy.CacheSize)
	}
}

func TestLoadConfigParsesHumanSizes(t *testing.T) {
	path := writeConfig(t, `
debug: true
proxy:
  server_url: http://files.internal:9090
  cache_size: 300KiB
  transfer:
    rate_limit: 10MiB
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if !cfg.Debug {
		t.Fatalf("debug flag lost")
	}
	if cfg.Proxy.ServerURL.Host != "files.internal:9090" {
		t.Fatalf("server_url = %v", cfg.Proxy.ServerURL)
	}
	if cfg.Proxy.CacheSize != types.Bytes(300*1024) {
		t.Fatalf("cache_size = %d, want 300KiB", cfg.Proxy.CacheSize)
	}
	if cfg.Proxy.Transfer.RateLimit != types.Bytes(10*1024*1024) {
		t.Fatalf("rate_limit = %d, want 10MiB", cfg.Proxy.Transfer.RateLimit)
	}
}

func TestLoadConfigServerSection(t *testing.T) {
	path := writeConfig(t, `
server:
  root_dir: /srv/files
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Server == nil {
		t.Fatalf("server section missing")
	}
	if cfg.Server.RootDir != "/srv/files" {
		t.Fatalf("root_dir = %q", cfg.Server.RootDir)
	}
	if cfg.Server.Listen == nil || cfg.Server.Listen.String() != "http://0.0.0.0:9090" {
		t.Fatalf("listen default not applied: %v", cfg.Server.Listen)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig("/does/not/exist.yaml")
	if err != nil {
		t.Fatalf("missing config must not error: %v", err)
	}
	if cfg.Proxy != nil || cfg.Server != nil {
		t.Fatalf("empty config grew sections: %+v", cfg)
	}
}
