// Package config loads relay configuration from the environment,
// optionally seeded from a .env file during local development.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything cmd/relay needs to start.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	LogLevel    string

	PingInterval time.Duration
	MaxClients   int
}

// Load reads envFile (if present; a missing file is not an error) and then
// overlays environment variables, applying defaults for anything unset.
// PingInterval and MaxClients are fixed defaults and are not read from the
// environment.
func Load(envFile string, env string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		Port:         getEnvOrDefault("PORT", "8080"),
		Env:          env,
		DatabaseURL:  getEnvOrDefault("DATABASE_URL", ""),
		LogLevel:     getEnvOrDefault("LOG_LEVEL", "info"),
		PingInterval: 30 * time.Second,
		MaxClients:   1000,
	}
	if cfg.Env == "" {
		cfg.Env = getEnvOrDefault("ENV", "dev")
	}
	return cfg, nil
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
