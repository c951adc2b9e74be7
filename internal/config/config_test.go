package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfigFile(t, `{
		"auth": "secret-token",
		"port": 8080,
		"providers": [
			{
				"name": "p1",
				"url": "https://example.invalid/v1/chat/completions",
				"keys": ["k1", "k2"],
				"models": [{"alias": "gpt", "model": "real-gpt", "think": false}]
			}
		]
	}`)
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth != "secret-token" {
		t.Errorf("Auth = %q", cfg.Auth)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].Name != "p1" {
		t.Errorf("unexpected providers: %+v", cfg.Providers)
	}
	if cfg.CacheSize != defaultCacheSize {
		t.Errorf("CacheSize = %d, want default %d", cfg.CacheSize, defaultCacheSize)
	}
}

func TestLoad_MissingAuth(t *testing.T) {
	path := writeConfigFile(t, `{
		"auth": "",
		"providers": [
			{"name": "p1", "url": "https://x", "keys": ["k"], "models": [{"alias": "a", "model": "b"}]}
		]
	}`)
	t.Setenv("CONFIG_PATH", path)

	if _, err := Load(); err == nil {
		t.Fatal("expected error for empty auth token")
	}
}

func TestLoad_NoProviders(t *testing.T) {
	path := writeConfigFile(t, `{"auth": "secret", "providers": []}`)
	t.Setenv("CONFIG_PATH", path)

	if _, err := Load(); err == nil {
		t.Fatal("expected error for zero providers")
	}
}

func TestLoad_ProviderMissingKeys(t *testing.T) {
	path := writeConfigFile(t, `{
		"auth": "secret",
		"providers": [{"name": "p1", "url": "https://x", "keys": [], "models": [{"alias": "a", "model": "b"}]}]
	}`)
	t.Setenv("CONFIG_PATH", path)

	if _, err := Load(); err == nil {
		t.Fatal("expected error for provider with no keys")
	}
}

func TestLoad_ProviderMissingModels(t *testing.T) {
	path := writeConfigFile(t, `{
		"auth": "secret",
		"providers": [{"name": "p1", "url": "https://x", "keys": ["k"], "models": []}]
	}`)
	t.Setenv("CONFIG_PATH", path)

	if _, err := Load(); err == nil {
		t.Fatal("expected error for provider with no models")
	}
}

func TestLoad_SchemaRejectsWrongTypes(t *testing.T) {
	path := writeConfigFile(t, `{"auth": 123, "providers": []}`)
	t.Setenv("CONFIG_PATH", path)

	if _, err := Load(); err == nil {
		t.Fatal("expected schema validation error for non-string auth")
	}
}

func TestStore_ReloadSwapsSnapshot(t *testing.T) {
	path := writeConfigFile(t, `{
		"auth": "v1",
		"providers": [{"name": "p1", "url": "https://x", "keys": ["k"], "models": [{"alias": "a", "model": "b"}]}]
	}`)
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	store := NewStore(cfg)

	if err := os.WriteFile(path, []byte(`{
		"auth": "v2",
		"providers": [{"name": "p1", "url": "https://x", "keys": ["k"], "models": [{"alias": "a", "model": "b"}]}]
	}`), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	if err := store.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := store.Get().Auth; got != "v2" {
		t.Errorf("Auth after reload = %q, want v2", got)
	}
}

func TestStore_ReloadFailureKeepsOldSnapshot(t *testing.T) {
	path := writeConfigFile(t, `{
		"auth": "v1",
		"providers": [{"name": "p1", "url": "https://x", "keys": ["k"], "models": [{"alias": "a", "model": "b"}]}]
	}`)
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	store := NewStore(cfg)

	if err := os.WriteFile(path, []byte(`not json`), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	if err := store.Reload(); err == nil {
		t.Fatal("expected Reload to fail on malformed JSON")
	}
	if got := store.Get().Auth; got != "v1" {
		t.Errorf("Auth after failed reload = %q, want unchanged v1", got)
	}
}
