package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.BaseURL != "http://localhost:8080" {
		t.Fatalf("api base url = %q", cfg.API.BaseURL)
	}
	if cfg.Session.RefreshInterval != 4*time.Minute {
		t.Fatalf("refresh interval = %v", cfg.Session.RefreshInterval)
	}
	if cfg.RateLimit.LoginMaxAttempts != 5 || cfg.RateLimit.LoginWindow != 15*time.Minute {
		t.Fatalf("rate limit defaults wrong: %+v", cfg.RateLimit)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
environment: production
api:
  baseurl: https://api.example.com
  requesttimeout: 5s
session:
  idletimeout: 10m
tokens:
  path: /tmp/userdeck-tokens
  passphrase: secret
`
	if err := os.WriteFile(filepath.Join(dir, "userdeck.yaml"), []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != "production" {
		t.Fatalf("environment = %q", cfg.Environment)
	}
	if cfg.API.BaseURL != "https://api.example.com" {
		t.Fatalf("api base url = %q", cfg.API.BaseURL)
	}
	if cfg.API.RequestTimeout != 5*time.Second {
		t.Fatalf("request timeout = %v", cfg.API.RequestTimeout)
	}
	if cfg.Session.IdleTimeout != 10*time.Minute {
		t.Fatalf("idle timeout = %v", cfg.Session.IdleTimeout)
	}
	if cfg.Tokens.Path != "/tmp/userdeck-tokens" {
		t.Fatalf("tokens path = %q", cfg.Tokens.Path)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("USERDECK_API_BASEURL", "https://env.example.com")
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.BaseURL != "https://env.example.com" {
		t.Fatalf("api base url = %q, want env override", cfg.API.BaseURL)
	}
}

func TestLoadRejectsTokenPathWithoutPassphrase(t *testing.T) {
	dir := t.TempDir()
	yaml := "tokens:\n  path: /tmp/userdeck-tokens\n"
	if err := os.WriteFile(filepath.Join(dir, "userdeck.yaml"), []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("expected validation error for missing passphrase")
	}
}
