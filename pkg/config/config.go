// Package config reads the runtime configuration of helm-audit from the
// environment and the optional YAML audit profile.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm-audit/pkg/documents"
)

// Config holds process configuration.
type Config struct {
	LogLevel       string
	DatabaseDriver string // "memory", "sqlite" or "postgres"
	DatabaseURL    string
	RateTable      string // embedded table name or path to a YAML table
	ProfilePath    string
	RecognitionURL string
	RedisURL       string
	SweepInterval  time.Duration
	Workers        int
	OTLPEndpoint   string
	Telemetry      bool
	Vault          documents.Config
}

// Load loads configuration from environment variables.
func Load() *Config {
	driver := os.Getenv("HELM_AUDIT_DB_DRIVER")
	dbURL := os.Getenv("HELM_AUDIT_DATABASE_URL")
	if driver == "" {
		switch {
		case strings.HasPrefix(dbURL, "postgres://"), strings.HasPrefix(dbURL, "postgresql://"):
			driver = "postgres"
		case dbURL != "":
			driver = "sqlite"
		default:
			driver = "sqlite"
			// Default to a local file next to the document vault
			dbURL = "file:helm-audit.db?_pragma=busy_timeout(5000)"
		}
	}

	table := os.Getenv("HELM_AUDIT_RATE_TABLE")
	if table == "" {
		table = "fr"
	}

	return &Config{
		LogLevel:       envOr("HELM_AUDIT_LOG_LEVEL", "INFO"),
		DatabaseDriver: driver,
		DatabaseURL:    dbURL,
		RateTable:      table,
		ProfilePath:    os.Getenv("HELM_AUDIT_PROFILE"),
		RecognitionURL: os.Getenv("HELM_AUDIT_RECOGNITION_URL"),
		RedisURL:       os.Getenv("HELM_AUDIT_REDIS_URL"),
		SweepInterval:  envDuration("HELM_AUDIT_SWEEP_INTERVAL", time.Minute),
		Workers:        envInt("HELM_AUDIT_WORKERS", 4),
		OTLPEndpoint:   envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		Telemetry:      os.Getenv("HELM_AUDIT_TELEMETRY") == "true",
		Vault:          documents.ConfigFromEnv(),
	}
}

// SlogLevel maps LogLevel to a slog level. Unknown values mean INFO.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return def
}
