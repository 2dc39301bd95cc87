package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "DATABASE_URL", "LOG_LEVEL", "ENV"} {
		os.Unsetenv(key)
	}

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("want default port 8080, got %q", cfg.Port)
	}
	if cfg.Env != "dev" {
		t.Errorf("want default env dev, got %q", cfg.Env)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("want default log level info, got %q", cfg.LogLevel)
	}
	if cfg.DatabaseURL != "" {
		t.Errorf("want empty database url by default, got %q", cfg.DatabaseURL)
	}
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	os.Setenv("PORT", "9090")
	defer os.Unsetenv("PORT")

	cfg, err := Load("", "prod")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("want env-overridden port 9090, got %q", cfg.Port)
	}
	if cfg.Env != "prod" {
		t.Errorf("want explicit env prod to win over ENV var, got %q", cfg.Env)
	}
}

func TestLoadMissingEnvFileIsNotAnError(t *testing.T) {
	if _, err := Load("/nonexistent/path/to/.env", "dev"); err != nil {
		t.Fatalf("missing env file should be tolerated, got %v", err)
	}
}
