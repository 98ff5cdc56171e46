package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.Store != "memory" {
		t.Errorf("Unexpected defaults: %+v", cfg)
	}
	if cfg.HandlerTimeout.Std() != 30*time.Second {
		t.Errorf("Unexpected default handler timeout: %v", cfg.HandlerTimeout.Std())
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "espalier.yaml", `
addr: ":9090"
store: redis
redis:
  addr: "redis:6379"
  prefix: "app:"
handler_timeout: 10s
log_level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Addr != ":9090" || cfg.Store != "redis" {
		t.Errorf("Unexpected config: %+v", cfg)
	}
	if cfg.Redis.Addr != "redis:6379" || cfg.Redis.Prefix != "app:" {
		t.Errorf("Unexpected redis config: %+v", cfg.Redis)
	}
	if cfg.HandlerTimeout.Std() != 10*time.Second {
		t.Errorf("Unexpected timeout: %v", cfg.HandlerTimeout.Std())
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Errorf("Unexpected log level: %v", cfg.SlogLevel())
	}

	// Unset fields keep their defaults.
	if cfg.RecoveryInterval.Std() != time.Minute {
		t.Errorf("Unset field lost its default: %v", cfg.RecoveryInterval.Std())
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "espalier.toml", `
addr = ":7070"
store = "memory"
recovery_interval = "2m"

[redis]
addr = "other:6379"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Addr != ":7070" {
		t.Errorf("Unexpected addr: %s", cfg.Addr)
	}
	if cfg.RecoveryInterval.Std() != 2*time.Minute {
		t.Errorf("Unexpected recovery interval: %v", cfg.RecoveryInterval.Std())
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "espalier.json", `{"addr": ":6060", "store": "memory", "handler_timeout": "5s"}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Addr != ":6060" || cfg.HandlerTimeout.Std() != 5*time.Second {
		t.Errorf("Unexpected config: %+v", cfg)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Error("Missing named file must fail")
	}

	path := writeConfig(t, "bad.yaml", "store: cassandra\n")
	if _, err := Load(path); err == nil {
		t.Error("Unknown store must fail validation")
	}

	path = writeConfig(t, "bad2.yaml", "addr: [not, a, string]\n")
	if _, err := Load(path); err == nil {
		t.Error("Malformed YAML must fail")
	}
}
