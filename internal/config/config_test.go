package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_ExpandsEnvAndAppliesDefaults(t *testing.T) {
	t.Setenv("TEST_REDIS_ADDR", "redis.internal:6380")

	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
server:
  port: 9090
redis:
  addr: ${TEST_REDIS_ADDR}
viewport:
  max_size: 51
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port: got %d want 9090", cfg.Server.Port)
	}
	if cfg.Redis.Addr != "redis.internal:6380" {
		t.Errorf("redis addr: got %q", cfg.Redis.Addr)
	}
	if cfg.Viewport.MaxSize != 51 {
		t.Errorf("explicit value overridden: got %d", cfg.Viewport.MaxSize)
	}
	// Untouched fields fall back to defaults
	if cfg.Viewport.MinSize != 7 {
		t.Errorf("min size default: got %d", cfg.Viewport.MinSize)
	}
	if cfg.RateLimit.MaxRequests != 15 || cfg.RateLimit.Window != 10*time.Second {
		t.Errorf("rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.Kafka.Topic != "map-invalidations" {
		t.Errorf("kafka topic default: got %q", cfg.Kafka.Topic)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Server.Port != 8080 {
		t.Errorf("port default: got %d", cfg.Server.Port)
	}
	if !cfg.Sync.Enabled {
		t.Errorf("sync should default on")
	}
	if cfg.Viewport.CacheTTL != 15*time.Second {
		t.Errorf("cache ttl default: got %v", cfg.Viewport.CacheTTL)
	}
}

func TestPostgresConnectionString(t *testing.T) {
	pc := PostgresConfig{Host: "db", Port: 5432, User: "map", Password: "secret", Database: "world"}
	got := pc.ConnectionString()
	want := "postgres://map:secret@db:5432/world?sslmode=disable"
	if got != want {
		t.Errorf("got %q want %q", got, want)
	}
}
