package config

import (
	"testing"
	"time"
)

func TestEnvInt64(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if v := envInt64("TEST_INT", 0); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
	if v := envInt64("TEST_INT_MISSING", 99); v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
	t.Setenv("TEST_INT_BAD", "abc")
	if v := envInt64("TEST_INT_BAD", 7); v != 7 {
		t.Fatalf("expected fallback on invalid value, got %d", v)
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	if v := envDuration("TEST_DUR", 0); v != 5*time.Second {
		t.Fatalf("expected 5s, got %s", v)
	}
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	if v := envDuration("TEST_DUR_BAD", time.Minute); v != time.Minute {
		t.Fatalf("expected fallback on invalid value, got %s", v)
	}
}

func TestEnvList(t *testing.T) {
	t.Setenv("TEST_LIST", "git status, uptime,,ls ")
	got := envList("TEST_LIST", nil)
	want := []string{"git status", "uptime", "ls"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if v := envList("TEST_LIST_MISSING", nil); v != nil {
		t.Fatalf("expected nil fallback, got %v", v)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.SessionKey != "main" {
		t.Fatalf("expected default session key, got %q", cfg.SessionKey)
	}
	if cfg.PlanMaxAge != time.Hour {
		t.Fatalf("expected default plan max age 1h, got %s", cfg.PlanMaxAge)
	}
}

func TestValidateRequiresGatewayURL(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.GatewayURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation failure for empty gateway url")
	}
}

func TestValidateTelegramPairing(t *testing.T) {
	t.Setenv("HIBIKI_TELEGRAM_TOKEN", "tok")
	if _, err := Load(); err == nil {
		t.Fatal("expected Load() to fail when token is set without chat id")
	}
	t.Setenv("HIBIKI_TELEGRAM_CHAT_ID", "123")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed, got: %v", err)
	}
	if cfg.TelegramChatID != 123 {
		t.Fatalf("expected chat id 123, got %d", cfg.TelegramChatID)
	}
}
