package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()
	assert.Equal(t, ":4700", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8, cfg.PoolSize)
	assert.NotEmpty(t, cfg.DBPath)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOOM_LISTEN_ADDR", ":9999")
	t.Setenv("LOOM_LOG_LEVEL", "debug")
	t.Setenv("LOOM_POOL_SIZE", "3")
	t.Setenv("LOOM_RUN_TIMEOUT", "10m")

	cfg := loadConfig()
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3, cfg.PoolSize)
	assert.Equal(t, 10*time.Minute, cfg.runTimeout())
}

func TestRunTimeoutInvalid(t *testing.T) {
	cfg := Config{RunTimeout: "not a duration"}
	assert.Equal(t, time.Duration(0), cfg.runTimeout())

	cfg = Config{}
	assert.Equal(t, time.Duration(0), cfg.runTimeout())
}
