// Package config loads and validates service configuration.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	RabbitMQ RabbitMQConfig
	Notifier NotifierConfig
	Engine   EngineConfig
	Address  AddressConfig
	Admin    AdminConfig
	Log      LogConfig
}

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LockTimeout     time.Duration
}

type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	BalanceTTL time.Duration
}

type JWTConfig struct {
	Secret string
}

type RabbitMQConfig struct {
	URL      string
	Exchange string
}

type NotifierConfig struct {
	SocketURL    string
	WriteTimeout time.Duration
}

// EngineConfig tunes the allocation, reconciliation and settlement core.
type EngineConfig struct {
	StaleHorizon    time.Duration
	ConflictRetries int
	ConflictBackoff time.Duration
	OutboxInterval  time.Duration
	OutboxBatch     int
	OutboxMaxTries  int
	SweepSchedule   string
	StaleSchedule   string
	PlanSchedule    string
	SweepLockTTL    time.Duration
}

type AddressConfig struct {
	MasterSeed string
}

type AdminConfig struct {
	TOTPSecret     string
	IdempotencyTTL time.Duration
	RateLimit      int
}

type LogConfig struct {
	Level string
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDurationEnv("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			LockTimeout:     getDurationEnv("DB_LOCK_TIMEOUT", 3*time.Second),
		},
		Redis: RedisConfig{
			URL:        normalizeRedisURL(getEnv("REDIS_URL", "localhost:6379")),
			Password:   getEnv("REDIS_PASSWORD", ""),
			DB:         getIntEnv("REDIS_DB", 0),
			BalanceTTL: getDurationEnv("REDIS_BALANCE_TTL", 30*time.Second),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", "change-this-secret"),
		},
		RabbitMQ: RabbitMQConfig{
			URL:      getEnv("RABBITMQ_URL", ""),
			Exchange: getEnv("RABBITMQ_EXCHANGE", "triangle.events"),
		},
		Notifier: NotifierConfig{
			SocketURL:    getEnv("NOTIFIER_SOCKET_URL", ""),
			WriteTimeout: getDurationEnv("NOTIFIER_WRITE_TIMEOUT", 5*time.Second),
		},
		Engine: EngineConfig{
			StaleHorizon:    getDurationEnv("ENGINE_STALE_HORIZON", 72*time.Hour),
			ConflictRetries: getIntEnv("ENGINE_CONFLICT_RETRIES", 5),
			ConflictBackoff: getDurationEnv("ENGINE_CONFLICT_BACKOFF", 20*time.Millisecond),
			OutboxInterval:  getDurationEnv("ENGINE_OUTBOX_INTERVAL", 2*time.Second),
			OutboxBatch:     getIntEnv("ENGINE_OUTBOX_BATCH", 100),
			OutboxMaxTries:  getIntEnv("ENGINE_OUTBOX_MAX_TRIES", 25),
			SweepSchedule:   getEnv("ENGINE_SWEEP_SCHEDULE", "@every 1m"),
			StaleSchedule:   getEnv("ENGINE_STALE_SCHEDULE", "@every 10m"),
			PlanSchedule:    getEnv("ENGINE_PLAN_RELOAD_SCHEDULE", "@every 30s"),
			SweepLockTTL:    getDurationEnv("ENGINE_SWEEP_LOCK_TTL", 50*time.Second),
		},
		Address: AddressConfig{
			MasterSeed: getEnv("ADDRESS_MASTER_SEED", ""),
		},
		Admin: AdminConfig{
			TOTPSecret:     getEnv("ADMIN_TOTP_SECRET", ""),
			IdempotencyTTL: getDurationEnv("IDEMPOTENCY_TTL", 24*time.Hour),
			RateLimit:      getIntEnv("API_RATE_LIMIT", 120),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func normalizeRedisURL(url string) string {
	// Strip redis:// or redis+tls:// scheme if present
	if strings.HasPrefix(url, "redis+tls://") {
		return url[len("redis+tls://"):]
	}
	if strings.HasPrefix(url, "redis://") {
		return url[len("redis://"):]
	}
	return url
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
