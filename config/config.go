package config

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"
)

var (
	ErrListenAddr = errors.New("listen_addr cannot be empty")
	ErrOpsAddr    = errors.New("ops_addr cannot be empty")
	ErrDataDir    = errors.New("data_dir cannot be empty without redis_addr")
)

// Config is the wirebusd daemon configuration.
type Config struct {
	ListenAddr string `toml:"listen_addr"`
	OpsAddr    string `toml:"ops_addr"`
	LogLevel   string `toml:"log_level"`
	// DataDir holds the file-backed outbox log when RedisAddr is unset.
	DataDir string `toml:"data_dir"`
	// RedisAddr switches the outbox log to redis.
	RedisAddr   string `toml:"redis_addr"`
	RedisPrefix string `toml:"redis_prefix"`
	// Tokens lists accepted client credentials. Empty accepts any
	// non-empty credential.
	Tokens []string `toml:"tokens"`
}

// Load reads the TOML file at path (optional) and applies defaults.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config load: %w", err)
		}
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8888"
	}
	if cfg.OpsAddr == "" {
		cfg.OpsAddr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DataDir == "" && cfg.RedisAddr == "" {
		cfg.DataDir = "./data"
	}
	if cfg.RedisPrefix == "" {
		cfg.RedisPrefix = "wirebus"
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if cfg.ListenAddr == "" {
		return ErrListenAddr
	}
	if cfg.OpsAddr == "" {
		return ErrOpsAddr
	}
	if cfg.DataDir == "" && cfg.RedisAddr == "" {
		return ErrDataDir
	}
	return nil
}
