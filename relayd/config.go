package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration file (toml).
type Config struct {
	// listen port for the websocket and status endpoints
	Port int `toml:"port"`

	// shared secret for verifying connection tokens and session keys.
	// when `AuthApiUrl` is set, verification is delegated instead
	TokenSecret string `toml:"token_secret"`
	AuthApiUrl  string `toml:"auth_api_url"`

	// policy collaborator. empty means allow-all
	PolicyApiUrl string `toml:"policy_api_url"`

	// blob collaborator. empty means in-process payload storage
	BlobApiUrl string `toml:"blob_api_url"`

	// durable store path. empty disables the durable tier
	StorePath string `toml:"store_path"`

	// compaction triggers for the durable tier
	CompactMaxDeltaCount     int64 `toml:"compact_max_delta_count"`
	CompactMaxTotalByteCount int64 `toml:"compact_max_total_byte_count"`

	RateLimitEnabled           bool    `toml:"rate_limit_enabled"`
	RateLimitMessagesPerSecond float64 `toml:"rate_limit_messages_per_second"`
	RateLimitBurst             float64 `toml:"rate_limit_burst"`
}

func DefaultConfig() *Config {
	return &Config{
		Port: 3002,
	}
}

func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(configBytes, config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return config, nil
}
