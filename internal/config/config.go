package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string

	// Optional collaborators; the matching feature is disabled when empty.
	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUsername string
	ClickHousePassword string
	KafkaBrokers       []string
	KafkaTopic         string

	SessionTimeout  time.Duration
	CleanupInterval time.Duration
	SnapshotTTL     time.Duration
	ActiveWindow    time.Duration

	// Batches per second per site on the collect endpoint. 0 disables.
	IngestRateLimit int
}

// Load reads configuration from the environment, with a .env file as a
// fallback for local development.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", ""),
		ClickHouseAddr:     getEnv("CLICKHOUSE_ADDR", ""),
		ClickHouseDatabase: getEnv("CLICKHOUSE_DB", "sitepulse"),
		ClickHouseUsername: getEnv("CLICKHOUSE_USER", "default"),
		ClickHousePassword: getEnv("CLICKHOUSE_PASSWORD", ""),
		KafkaTopic:         getEnv("KAFKA_TOPIC", "analytics.events"),
		SessionTimeout:     getEnvDuration("SESSION_TIMEOUT", 30*time.Minute),
		CleanupInterval:    getEnvDuration("CLEANUP_INTERVAL", 5*time.Minute),
		SnapshotTTL:        getEnvDuration("SNAPSHOT_TTL", 30*time.Minute),
		ActiveWindow:       getEnvDuration("ACTIVE_WINDOW", 30*time.Minute),
		IngestRateLimit:    getEnvInt("INGEST_RATE_LIMIT", 50),
	}

	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err == nil {
			return d
		}
	}
	return fallback
}
