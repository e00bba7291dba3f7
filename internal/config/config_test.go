package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 8081, cfg.InternalPort)
	assert.Equal(t, 10*time.Second, cfg.StageStartTimeout)
	assert.Equal(t, 30*time.Minute, cfg.DefaultMonitoringPeriod)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("MONITORING_PERIOD_MS", "60000")
	t.Setenv("EXECUTOR_URL", "http://executor.internal:8000")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := Load()
	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, time.Minute, cfg.DefaultMonitoringPeriod)
	assert.Equal(t, "http://executor.internal:8000", cfg.ExecutorURL)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadIgnoresMalformedInt(t *testing.T) {
	t.Setenv("HTTP_PORT", "not-a-port")
	cfg := Load()
	assert.Equal(t, 8080, cfg.HTTPPort)
}
