package config

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestConfigUsesFileAPIKeys(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)

	configDir := filepath.Join(home, ".mlroute")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	configPath := filepath.Join(configDir, "config.yaml")
	data := []byte("api_keys:\n  anthropic: file-ant\n  openai: file-openai\nstore:\n  driver: sqlite\nscheduler:\n  interval: 5m\n")
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	clearKeyEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if key, ok := cfg.ResolveAPIKey("anthropic"); !ok || key != "file-ant" {
		t.Fatalf("expected file anthropic key, got %q", key)
	}
	if cfg.HasAdapter("google") {
		t.Fatalf("expected google to be unavailable")
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.DSN != filepath.Join(configDir, "experiments.db") {
		t.Fatalf("unexpected store config: %+v", cfg.Store)
	}
	if cfg.Scheduler.Interval != 5*time.Minute {
		t.Fatalf("expected 5m interval, got %s", cfg.Scheduler.Interval)
	}
}

func TestConfigEnvOverridesFile(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)
	clearKeyEnv(t)

	t.Setenv("ANTHROPIC_API_KEY", "env-ant")
	t.Setenv("OPENAI_API_KEY", "env-openai")
	t.Setenv("GOOGLE_API_KEY", "env-google")
	t.Setenv("DEEPSEEK_API_KEY", "env-deepseek")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for provider, want := range map[string]string{
		"anthropic": "env-ant",
		"openai":    "env-openai",
		"google":    "env-google",
		"deepseek":  "env-deepseek",
	} {
		if got, _ := cfg.ResolveAPIKey(provider); got != want {
			t.Fatalf("%s: expected %q, got %q", provider, want, got)
		}
	}
	if cfg.Store.Driver != "memory" {
		t.Fatalf("expected memory store by default, got %s", cfg.Store.Driver)
	}
}

func TestConfigRejectsInvalidDriver(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)
	clearKeyEnv(t)
	t.Setenv("MLROUTE_DB_DRIVER", "mongo")

	if _, err := Load(); err == nil {
		t.Fatalf("expected invalid driver to be rejected")
	}
}

func TestDefaultRoutingConfigIsValid(t *testing.T) {
	cfg := DefaultRoutingConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default routing config invalid: %v", err)
	}
	if len(cfg.Targets()) != 10 {
		t.Fatalf("expected 10 targets, got %d", len(cfg.Targets()))
	}
	targets := cfg.Targets()
	if targets[0].Provider != "anthropic" || targets[len(targets)-1].Provider != "openai" {
		t.Fatalf("targets not sorted: %v", targets)
	}
	got := cfg.ResolveAlias("", "sonnet")
	if got.Provider != "anthropic" || got.Model != "claude-sonnet-4-20250514" {
		t.Fatalf("unexpected alias resolution: %+v", got)
	}
}

func TestParseRoutingConfigValidation(t *testing.T) {
	bad := []byte(`
providers:
  acme:
    models:
      m1:
        class: gigantic
        latency_ms: 100
        quality: 0.5
`)
	if _, err := ParseRoutingConfig(bad); err == nil {
		t.Fatalf("expected invalid class to be rejected")
	}

	badDefault := []byte(`
providers:
  acme:
    models:
      m1: {class: mini, latency_ms: 100, quality: 0.5}
default: {provider: acme, model: m2}
`)
	if _, err := ParseRoutingConfig(badDefault); err == nil {
		t.Fatalf("expected unknown default to be rejected")
	}

	good := []byte(`
providers:
  acme:
    models:
      m1: {class: mini, prompt_per_1k: 0.001, completion_per_1k: 0.002, latency_ms: 100, quality: 0.5}
default: {provider: acme, model: m1}
`)
	cfg, err := ParseRoutingConfig(good)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Retry.MaxRetries != 2 || cfg.DefaultCompletionTokens != 512 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	spec, _ := cfg.Lookup("acme", "m1")
	if got := spec.EstimateCost(1000, 500); got != 0.002 {
		t.Fatalf("unexpected cost %.6f", got)
	}
}

func TestWatchRoutingConfigReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routing.yaml")
	initial := []byte("providers:\n  acme:\n    models:\n      m1: {class: mini, latency_ms: 100, quality: 0.5}\n")
	if err := os.WriteFile(path, initial, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *RoutingConfig, 4)
	if err := WatchRoutingConfig(ctx, path, func(cfg *RoutingConfig) { reloaded <- cfg }, nil); err != nil {
		t.Fatalf("watch: %v", err)
	}

	updated := []byte("providers:\n  acme:\n    models:\n      m1: {class: mini, latency_ms: 100, quality: 0.5}\n      m2: {class: fast, latency_ms: 50, quality: 0.6}\n")
	if err := os.WriteFile(path, updated, 0600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if _, ok := cfg.Lookup("acme", "m2"); !ok {
			t.Fatalf("expected reloaded table to contain m2")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for reload")
	}
}

func clearKeyEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GOOGLE_API_KEY", "DEEPSEEK_API_KEY",
		"MLROUTE_DB", "MLROUTE_DB_DRIVER", "MLROUTE_HOME", "MLROUTE_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func setHomeEnv(t *testing.T, home string) {
	t.Helper()
	t.Setenv("HOME", home)
	if runtime.GOOS == "windows" {
		t.Setenv("USERPROFILE", home)
	}
}
