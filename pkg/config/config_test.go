package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Concurrency != 16 {
		t.Errorf("concurrency = %d, want 16", cfg.Server.Concurrency)
	}
	if cfg.Limits.MatchLimit != 50 {
		t.Errorf("match limit = %d, want 50", cfg.Limits.MatchLimit)
	}
	if cfg.Index.ChunkMaxSize != 1<<25 {
		t.Errorf("chunk max = %d, want %d", cfg.Index.ChunkMaxSize, 1<<25)
	}
	if cfg.Limits.Timeout != 10*time.Second {
		t.Errorf("timeout = %v", cfg.Limits.Timeout)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  listen: tcp://0.0.0.0:9812
  concurrency: 4
  json: true
limits:
  matchLimit: 25
redis:
  addr: localhost:6379
logging:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Listen != "tcp://0.0.0.0:9812" || cfg.Server.Concurrency != 4 || !cfg.Server.JSON {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.Limits.MatchLimit != 25 {
		t.Fatalf("limits = %+v", cfg.Limits)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("redis = %+v", cfg.Redis)
	}
	// Unset fields keep their defaults.
	if cfg.Limits.ContextLines != 3 {
		t.Fatalf("context lines = %d, want default 3", cfg.Limits.ContextLines)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CS_CONCURRENCY", "8")
	t.Setenv("CS_REDIS_ADDR", "redis:6379")
	t.Setenv("CS_TIMEOUT", "30s")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Concurrency != 8 {
		t.Errorf("concurrency = %d, want 8", cfg.Server.Concurrency)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Errorf("redis addr = %s", cfg.Redis.Addr)
	}
	if cfg.Limits.Timeout != 30*time.Second {
		t.Errorf("timeout = %v", cfg.Limits.Timeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
