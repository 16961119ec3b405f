// Package config reads service configuration from the environment, with a
// .env file honored in development.
package config

import (
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr         string
	Env          string
	RedisURL     string
	SQLitePath   string
	CookieSecret string

	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
}

// Load reads configuration from environment variables. When REDIS_URL is set
// the Redis backend is used; otherwise the service falls back to the local
// SQLite store.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Addr:         getEnv("ADDR", ":8080"),
		Env:          getEnv("ENV", "development"),
		RedisURL:     os.Getenv("REDIS_URL"),
		SQLitePath:   getEnv("SQLITE_PATH", "banter.db"),
		CookieSecret: getEnv("COOKIE_SECRET", "dev-only-cookie-secret"),

		SMTPHost:     os.Getenv("SMTP_HOST"),
		SMTPPort:     getEnv("SMTP_PORT", "587"),
		SMTPUsername: os.Getenv("SMTP_USERNAME"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:     getEnv("SMTP_FROM", "noreply@banter.local"),
	}

	if cfg.Env == "production" {
		if cfg.RedisURL == "" {
			panic("REDIS_URL is required in production")
		}
		if cfg.CookieSecret == "dev-only-cookie-secret" {
			panic("COOKIE_SECRET is required in production")
		}
	}
	return cfg
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
