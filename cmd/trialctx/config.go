package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all trialctx runner configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath   string `json:"db_path"`
	LogLevel string `json:"log_level"`
	Trials   int    `json:"trials"`
	Seed     int64  `json:"seed"`
}

func defaultConfig() Config {
	return Config{
		DBPath:   "file:" + filepath.Join(trialctxDir(), "trials.db"),
		LogLevel: "info",
		Trials:   10,
	}
}

func trialctxDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".trialctx"
	}
	return filepath.Join(home, ".trialctx")
}

func settingsPath() string {
	return filepath.Join(trialctxDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("TRIALCTX_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TRIALCTX_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TRIALCTX_TRIALS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Trials = n
		}
	}
	if v := os.Getenv("TRIALCTX_SEED"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Seed = n
		}
	}

	return cfg
}
