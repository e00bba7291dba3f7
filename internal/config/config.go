// Package config provides configuration for the optimization orchestrator.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the orchestrator configuration.
type Config struct {
	// Server settings
	HTTPPort     int
	InternalPort int

	// Database
	DatabaseURL string

	// Collaborators
	ExecutorURL string
	DeployerURL string

	// Policy
	PolicyFile string

	// Timing
	StageStartTimeout       time.Duration
	DefaultMonitoringPeriod time.Duration

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		HTTPPort:                getEnvInt("HTTP_PORT", 8080),
		InternalPort:            getEnvInt("INTERNAL_PORT", 8081),
		DatabaseURL:             getEnv("DATABASE_URL", "file:optimizer.db?cache=shared&mode=rwc"),
		ExecutorURL:             getEnv("EXECUTOR_URL", "http://localhost:8090"),
		DeployerURL:             getEnv("DEPLOYER_URL", "http://localhost:8091"),
		PolicyFile:              getEnv("POLICY_FILE", ""),
		StageStartTimeout:       time.Duration(getEnvInt("STAGE_START_TIMEOUT_MS", 10000)) * time.Millisecond,
		DefaultMonitoringPeriod: time.Duration(getEnvInt("MONITORING_PERIOD_MS", 1800000)) * time.Millisecond,
		LogLevel:                getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
