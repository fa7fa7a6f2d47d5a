package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Whapi: WhapiConfig{
			APIURL:  "https://gate.whapi.cloud",
			SendRPS: 5,
		},
		OpenAI: OpenAIConfig{
			Model:    "gpt-4o",
			TTSModel: "gpt-4o-mini-tts",
			Voice:    "coral",
		},
		Database: DatabaseConfig{
			SQLitePath: "~/.wabot/wabot.db",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error — defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays secrets and overrides from the environment.
// Secrets are env-only so config.json stays safe to commit.
func applyEnv(cfg *Config) {
	if v := os.Getenv("WABOT_WHAPI_TOKEN"); v != "" {
		cfg.Whapi.Token = v
	}
	if v := os.Getenv("WABOT_WHAPI_API_URL"); v != "" {
		cfg.Whapi.APIURL = v
	}
	if v := os.Getenv("WABOT_WHAPI_BRIDGE_URL"); v != "" {
		cfg.Whapi.BridgeURL = v
	}
	if v := os.Getenv("WABOT_OPENAI_API_KEY"); v != "" {
		cfg.OpenAI.APIKey = v
	}
	if v := os.Getenv("WABOT_POSTGRES_DSN"); v != "" {
		cfg.Database.PostgresDSN = v
	}
	if v := os.Getenv("WABOT_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("WABOT_STATUS_TOKEN"); v != "" {
		cfg.Status.Token = v
	}
}

// UsesPostgres reports whether the durable store should be Postgres.
func (c *Config) UsesPostgres() bool {
	return c.Database.PostgresDSN != ""
}

// ExpandHome expands a leading ~/ to the user's home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
