package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all loom server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	DBPath     string `json:"db_path"`
	AgentsPath string `json:"agents_path"`
	LogLevel   string `json:"log_level"`
	PoolSize   int    `json:"pool_size"`
	RunTimeout string `json:"run_timeout"` // Go duration, e.g. "10m"; empty means none
}

func defaultConfig() Config {
	return Config{
		ListenAddr: ":4700",
		DBPath:     filepath.Join(loomDir(), "loom.db"),
		AgentsPath: filepath.Join(loomDir(), "agents.json"),
		LogLevel:   "info",
		PoolSize:   8,
	}
}

func loomDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loom"
	}
	return filepath.Join(home, ".loom")
}

func settingsPath() string {
	return filepath.Join(loomDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("LOOM_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("LOOM_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LOOM_AGENTS_PATH"); v != "" {
		cfg.AgentsPath = v
	}
	if v := os.Getenv("LOOM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOOM_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("LOOM_RUN_TIMEOUT"); v != "" {
		cfg.RunTimeout = v
	}

	return cfg
}

// runTimeout parses the configured per-run wall-clock limit.
func (c Config) runTimeout() time.Duration {
	if c.RunTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.RunTimeout)
	if err != nil {
		return 0
	}
	return d
}
