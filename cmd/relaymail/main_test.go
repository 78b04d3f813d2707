package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("RELAYMAIL_TEST_INT_BAD", "not-a-number")
	if got := intEnv("RELAYMAIL_TEST_INT_BAD", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("RELAYMAIL_TEST_DURATION", "150ms")
	if got := durationEnv("RELAYMAIL_TEST_DURATION", time.Second); got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestListEnvSplitsAndTrims(t *testing.T) {
	t.Setenv("RELAYMAIL_TEST_LIST", " inbox-1, ,inbox-2 ")
	got := listEnv("RELAYMAIL_TEST_LIST", nil)
	if strings.Join(got, ",") != "inbox-1,inbox-2" {
		t.Fatalf("expected inbox-1,inbox-2, got %v", got)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(nil)
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}
	if cfg.Addr != ":8090" || cfg.ReconnectBase != 500*time.Millisecond || cfg.ReconnectMax != 30*time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaymail.yaml")
	content := strings.Join([]string{
		"addr: \":7000\"",
		"api_url: http://yaml.example",
		"token: yaml-token",
		"channels: [inbox-yaml]",
		"reconnect_max: 10s",
		"mirror_dsn: memory://",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	t.Setenv("RELAYMAIL_API_URL", "http://env.example")
	t.Setenv("RELAYMAIL_TOKEN", "env-token")

	cfg, err := loadConfig([]string{"--config", path, "--token", "flag-token", "--channel", "inbox-a", "--channel", "inbox-b"})
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}
	if cfg.Addr != ":7000" {
		t.Fatalf("expected yaml addr, got %q", cfg.Addr)
	}
	if cfg.APIURL != "http://env.example" {
		t.Fatalf("expected env to override yaml, got %q", cfg.APIURL)
	}
	if cfg.Token != "flag-token" {
		t.Fatalf("expected flag to override env, got %q", cfg.Token)
	}
	if strings.Join(cfg.Channels, ",") != "inbox-a,inbox-b" {
		t.Fatalf("expected flag channels, got %v", cfg.Channels)
	}
	if cfg.ReconnectMax != 10*time.Second || cfg.MirrorDSN != "memory://" {
		t.Fatalf("expected yaml values, got %+v", cfg)
	}
}

func TestLoadConfigRejectsUnknownYAMLField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaymail.yaml")
	if err := os.WriteFile(path, []byte("adress: \":1\"\n"), 0o644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	if _, err := loadConfig([]string{"--config", path}); err == nil {
		t.Fatalf("expected unknown field to fail")
	}
}

func TestLoadConfigValidatesJitter(t *testing.T) {
	if _, err := loadConfig([]string{"--reconnect-jitter", "1.5"}); err == nil {
		t.Fatalf("expected out of range jitter to fail")
	}
}

func TestBuildAppServesLocalAPI(t *testing.T) {
	cfg := defaultConfig()
	cfg.APIURL = "http://127.0.0.1:1"
	cfg.MirrorDSN = "memory://"
	a, err := buildApp(cfg, nil)
	if err != nil {
		t.Fatalf("build app failed: %v", err)
	}
	defer a.session.Close()
	if a.publisher == nil || a.backend == nil {
		t.Fatalf("expected mirror publisher to be wired")
	}

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from health, got %d", rec.Code)
	}

	cfg.RealtimeURL = "ftp://nope"
	if _, err := buildApp(cfg, nil); err == nil {
		t.Fatalf("expected unsupported realtime scheme to fail")
	}
}
