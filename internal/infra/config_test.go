package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "jwt.pub")
	if err := os.WriteFile(keyPath, []byte("PEM"), 0o600); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: 9000
auth:
  public_key_path: ` + keyPath + `
engine:
  approval_timeout: 30s
risk:
  environment_modifiers:
    production: 2
  block_threshold: HIGH
leak:
  known_tenants: [tenant_a, tenant_b]
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TOOLGATE_LOGGER_LEVEL", "debug")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9000 || cfg.GRPC.Port != 9090 {
		t.Fatalf("ports: %d %d", cfg.Server.Port, cfg.GRPC.Port)
	}
	if cfg.Engine.ApprovalTimeout != 30*time.Second || cfg.Engine.RetryAttempts != 3 {
		t.Fatalf("engine: %+v", cfg.Engine)
	}
	if cfg.Risk.EnvironmentModifiers["production"] != 2 || cfg.Risk.BlockThreshold != "HIGH" || cfg.Risk.ApprovalThreshold != "MEDIUM" {
		t.Fatalf("risk: %+v", cfg.Risk)
	}
	if len(cfg.Leak.KnownTenants) != 2 {
		t.Fatalf("leak: %+v", cfg.Leak)
	}
	if string(cfg.Auth.PublicKey) != "PEM" {
		t.Fatalf("public key not loaded")
	}
	if cfg.Logger.Level != "debug" {
		t.Fatalf("env override ignored: %q", cfg.Logger.Level)
	}

	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("explicit missing file accepted")
	}
}

func TestNewLogger(t *testing.T) {
	for _, cfg := range []LoggerConfig{{}, {Level: "debug", Format: "console"}, {Level: "warn", Format: "json"}} {
		if _, err := NewLogger(cfg); err != nil {
			t.Fatalf("%+v: %v", cfg, err)
		}
	}
	if _, err := NewLogger(LoggerConfig{Level: "loud"}); err == nil {
		t.Fatalf("bad level accepted")
	}
	if _, err := NewLogger(LoggerConfig{Format: "xml"}); err == nil {
		t.Fatalf("bad format accepted")
	}
}
