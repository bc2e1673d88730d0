package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ListenAddr != ":8888" {
		t.Errorf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.OpsAddr != ":8080" {
		t.Errorf("ops_addr = %q", cfg.OpsAddr)
	}
	if cfg.DataDir == "" {
		t.Error("data_dir default missing")
	}
	if cfg.RedisPrefix != "wirebus" {
		t.Errorf("redis_prefix = %q", cfg.RedisPrefix)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wirebusd.toml")
	body := `
listen_addr = ":9999"
log_level = "debug"
redis_addr = "localhost:6379"
tokens = ["alpha", "beta"]
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Errorf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("redis_addr = %q", cfg.RedisAddr)
	}
	if len(cfg.Tokens) != 2 || cfg.Tokens[0] != "alpha" {
		t.Errorf("tokens = %v", cfg.Tokens)
	}
	// file sets redis, so the file store default must not kick in
	if cfg.DataDir != "" {
		t.Errorf("data_dir = %q, want empty", cfg.DataDir)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
