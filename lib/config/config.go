// Package config loads proobox's ambient configuration: the spec-mandated
// `$BASE/config.json` backend settings, overlaid with environment variables
// (optionally sourced from a `$BASE/.env` file).
package config

import (
	"encoding/json"
	"os"

	"github.com/joho/godotenv"
	"github.com/octaviocubillos/proobox/lib/paths"
)

// Config is the registry backend configuration read from config.json and
// the environment.
type Config struct {
	BackendURL string `json:"backend.url"`
	Username   string `json:"backend.username"`
	Token      string `json:"backend.token"`
}

// Load reads $BASE/config.json (tolerating its absence, per §4.5's "absent
// config disables tiers 2" rule) and overlays PROOBOX_BACKEND_URL /
// PROOBOX_BACKEND_USERNAME / PROOBOX_BACKEND_TOKEN from the environment,
// best-effort-loading a `$BASE/.env` file first. Env vars win over the file.
func Load(p *paths.Paths) (Config, error) {
	_ = godotenv.Load(p.Base() + "/.env")

	var cfg Config
	data, err := os.ReadFile(p.ConfigPath())
	if err == nil {
		if jsonErr := json.Unmarshal(data, &cfg); jsonErr != nil {
			return Config{}, jsonErr
		}
	} else if !os.IsNotExist(err) {
		return Config{}, err
	}

	if v := os.Getenv("PROOBOX_BACKEND_URL"); v != "" {
		cfg.BackendURL = v
	}
	if v := os.Getenv("PROOBOX_BACKEND_USERNAME"); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv("PROOBOX_BACKEND_TOKEN"); v != "" {
		cfg.Token = v
	}
	return cfg, nil
}
