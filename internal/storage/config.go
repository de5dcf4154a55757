package storage

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/providentiaww/mcp-auth-broker/internal/oauth"
	"github.com/providentiaww/mcp-auth-broker/internal/storage/tables"
)

// Backends accepted in OAUTH_STORE.
const (
	BackendMemory   = "memory"
	BackendAzure    = "azure"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config selects and configures the credential store backend.
type Config struct {
	Backend               string
	AzureConnectionString string
	DatabaseURL           string
	RedisURL              string
	Pool                  tables.PoolConfig
	CleanupInterval       time.Duration
}

// LoadConfigFromEnv reads store settings from the environment. When
// OAUTH_STORE is unset the backend is inferred from whichever connection
// setting is present.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		Backend:               strings.ToLower(strings.TrimSpace(os.Getenv("OAUTH_STORE"))),
		AzureConnectionString: strings.TrimSpace(os.Getenv("AZURE_STORAGE_CONNECTION_STRING")),
		DatabaseURL:           firstEnv("OAUTH_DATABASE_URL", "DATABASE_URL"),
		RedisURL:              strings.TrimSpace(os.Getenv("REDIS_URL")),
		Pool:                  tables.DefaultPoolConfig(),
		CleanupInterval:       oauth.CleanupInterval,
	}

	var err error
	if cfg.Pool.MaxOpenConns, err = parseIntEnv("DB_MAX_OPEN_CONNS", cfg.Pool.MaxOpenConns); err != nil {
		return Config{}, err
	}
	if cfg.Pool.MaxIdleConns, err = parseIntEnv("DB_MAX_IDLE_CONNS", cfg.Pool.MaxIdleConns); err != nil {
		return Config{}, err
	}
	if cfg.Pool.ConnMaxLifetime, err = parseDurationEnv("DB_CONN_MAX_LIFETIME", cfg.Pool.ConnMaxLifetime); err != nil {
		return Config{}, err
	}
	if cfg.CleanupInterval, err = parseDurationEnv("OAUTH_CLEANUP_INTERVAL", cfg.CleanupInterval); err != nil {
		return Config{}, err
	}

	if cfg.Backend == "" {
		switch {
		case cfg.AzureConnectionString != "":
			cfg.Backend = BackendAzure
		case cfg.DatabaseURL != "":
			cfg.Backend = BackendPostgres
		case cfg.RedisURL != "":
			cfg.Backend = BackendRedis
		default:
			cfg.Backend = BackendMemory
		}
	}

	switch cfg.Backend {
	case BackendMemory:
	case BackendAzure:
		if cfg.AzureConnectionString == "" {
			return Config{}, fmt.Errorf("AZURE_STORAGE_CONNECTION_STRING is required for OAUTH_STORE=azure")
		}
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("OAUTH_DATABASE_URL or DATABASE_URL is required for OAUTH_STORE=postgres")
		}
	case BackendRedis:
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL is required for OAUTH_STORE=redis")
		}
	default:
		return Config{}, fmt.Errorf("unsupported OAUTH_STORE %q", cfg.Backend)
	}

	return cfg, nil
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if val := strings.TrimSpace(os.Getenv(key)); val != "" {
			return val
		}
	}
	return ""
}

func parseIntEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return val, nil
}

func parseDurationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil || val <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return val, nil
}
