package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default settings should validate: %v", err)
	}
	if cfg.Queue.Events.Concurrency != 5 {
		t.Fatalf("expected events concurrency 5, got %d", cfg.Queue.Events.Concurrency)
	}
	if cfg.Queue.Notifications.Concurrency != 10 {
		t.Fatalf("expected notifications concurrency 10, got %d", cfg.Queue.Notifications.Concurrency)
	}
	if cfg.Queue.Webhooks.Concurrency != 3 {
		t.Fatalf("expected webhooks concurrency 3, got %d", cfg.Queue.Webhooks.Concurrency)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("FLEETBUS_ENV", "Prod")
	t.Setenv("FLEETBUS_RELAY_WEBHOOK_URL", "https://flows.example.com/webhook/fleet")
	t.Setenv("FLEETBUS_RELAY_TIMEOUT", "12s")
	t.Setenv("FLEETBUS_STREAM_MAX_CONNECTIONS", "42")

	cfg := FromEnv()
	if cfg.Environment != EnvProd {
		t.Fatalf("expected prod environment, got %q", cfg.Environment)
	}
	if cfg.Relay.WebhookURL != "https://flows.example.com/webhook/fleet" {
		t.Fatalf("unexpected webhook url %q", cfg.Relay.WebhookURL)
	}
	if cfg.Relay.RequestTimeout != 12*time.Second {
		t.Fatalf("unexpected relay timeout %v", cfg.Relay.RequestTimeout)
	}
	if cfg.Stream.MaxConnections != 42 {
		t.Fatalf("unexpected stream cap %d", cfg.Stream.MaxConnections)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleetbus.yaml")
	content := []byte(`
environment: staging
server:
  addr: ":9090"
queue:
  events:
    concurrency: 8
relay:
  webhookURL: "https://hooks.internal/fleet"
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Environment != EnvStaging {
		t.Fatalf("expected staging, got %q", cfg.Environment)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("expected addr override, got %q", cfg.Server.Addr)
	}
	if cfg.Queue.Events.Concurrency != 8 {
		t.Fatalf("expected events concurrency override, got %d", cfg.Queue.Events.Concurrency)
	}
	// Unset sections keep their defaults.
	if cfg.Queue.Notifications.Concurrency != 10 {
		t.Fatalf("expected default notifications concurrency, got %d", cfg.Queue.Notifications.Concurrency)
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, fromFile, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if fromFile {
		t.Fatal("expected fromFile=false for missing config")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("fallback settings should validate: %v", err)
	}
}

func TestValidateRejectsBadTopic(t *testing.T) {
	cfg := Default()
	cfg.Queue.Webhooks.MaxAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation failure for zero maxAttempts")
	}

	cfg = Default()
	cfg.Queue.Events.MaxDelay = cfg.Queue.Events.BaseDelay / 2
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation failure for maxDelay < baseDelay")
	}

	cfg = Default()
	cfg.Environment = "qa"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation failure for unknown environment")
	}
}
