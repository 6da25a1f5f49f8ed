/*
Package config loads the engine's runtime settings.

PURPOSE:
  Reads configuration from the environment, with a .env file loaded
  first when present. Every value has a default that works for local
  development: an in-process SQLite database, in-process locks, no
  scheduler token.

SETTINGS:
  PORT              HTTP listen port (default 8080)
  DB_DRIVER         memory | sqlite | postgres (default sqlite)
  DB_PATH           SQLite database path (default ./data/funding.db)
  DATABASE_URL      PostgreSQL DSN, required when DB_DRIVER=postgres
  REDIS_ADDRESS     When set, locks go through redis instead of memory
  SCHEDULER_TOKEN   Bearer token for the external tick endpoint
  SCHEDULER_INTERVAL Internal tick cadence (default 1m, 0 disables)
  LOG_LEVEL         logrus level name (default info)
  LOG_FORMAT        json | text (default json)
  CORS_ORIGINS      Comma-separated allowed origins (default *)
*/
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every runtime setting.
type Config struct {
	Port              int
	DBDriver          string
	DBPath            string
	DatabaseURL       string
	RedisAddress      string
	SchedulerToken    string
	SchedulerInterval time.Duration
	LogLevel          string
	LogFormat         string
	CORSOrigins       []string
}

// Load reads configuration from .env and the environment.
func Load() Config {
	// Load env from .env; absence is fine.
	godotenv.Load()

	return Config{
		Port:              getint("PORT", 8080),
		DBDriver:          getenv("DB_DRIVER", "sqlite"),
		DBPath:            getenv("DB_PATH", "./data/funding.db"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisAddress:      os.Getenv("REDIS_ADDRESS"),
		SchedulerToken:    os.Getenv("SCHEDULER_TOKEN"),
		SchedulerInterval: getduration("SCHEDULER_INTERVAL", time.Minute),
		LogLevel:          getenv("LOG_LEVEL", "info"),
		LogFormat:         getenv("LOG_FORMAT", "json"),
		CORSOrigins:       getlist("CORS_ORIGINS", []string{"*"}),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getduration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getlist(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
