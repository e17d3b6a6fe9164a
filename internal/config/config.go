package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Store backends
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

const defaultWindowSeconds = 60

// Config holds all configuration for the quota engine
type Config struct {
	Server     ServerConfig
	GRPC       GRPCConfig
	Store      StoreConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	SQLite     SQLiteConfig
	Quota      QuotaConfig
	Plans      PlansConfig
	Retention  RetentionConfig
	Security   SecurityConfig
	Monitoring MonitoringConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// GRPCConfig holds gRPC server configuration
type GRPCConfig struct {
	Enabled bool
	Port    int
}

// StoreConfig selects the durable key-value backend
type StoreConfig struct {
	Backend string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	// StatementTimeout bounds every query. Zero leaves the server default.
	StatementTimeout time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// SQLiteConfig holds SQLite configuration
type SQLiteConfig struct {
	Path string
}

// QuotaConfig holds engine tuning
type QuotaConfig struct {
	// WindowSeconds is the deployment-wide rate window size.
	WindowSeconds int
	// IdempotencyKeyTTL bounds how long an op key is remembered. Zero keeps keys forever.
	IdempotencyKeyTTL time.Duration
	// MeterStateTTL is passed to the store on every state write. Zero means no expiry.
	MeterStateTTL time.Duration
	// MailboxSize is the per-tenant actor queue length.
	MailboxSize int
	// ActorIdleTimeout is how long an idle tenant actor is kept before being reaped.
	ActorIdleTimeout time.Duration
}

// Window returns the rate window as a duration.
func (q QuotaConfig) Window() time.Duration {
	return time.Duration(q.WindowSeconds) * time.Second
}

// validate rejects a meter state ttl that could drop a day's usage or a live
// op key before they stop mattering.
func (q QuotaConfig) validate() error {
	if q.IdempotencyKeyTTL < 0 {
		return fmt.Errorf("IDEMPOTENCY_KEY_TTL must not be negative")
	}
	if q.MeterStateTTL < 0 {
		return fmt.Errorf("METER_STATE_TTL must not be negative")
	}
	if q.MeterStateTTL == 0 {
		return nil
	}
	if floor := 24*time.Hour + q.Window(); q.MeterStateTTL < floor {
		return fmt.Errorf("METER_STATE_TTL must be 0 or at least %s, got %s", floor, q.MeterStateTTL)
	}
	if q.IdempotencyKeyTTL > 0 && q.MeterStateTTL < q.IdempotencyKeyTTL {
		return fmt.Errorf("METER_STATE_TTL (%s) must not be shorter than IDEMPOTENCY_KEY_TTL (%s)",
			q.MeterStateTTL, q.IdempotencyKeyTTL)
	}
	return nil
}

// PlansConfig holds plan catalog seeding configuration
type PlansConfig struct {
	File  string
	Watch bool
}

// RetentionConfig holds the schedule for pruning expired records
type RetentionConfig struct {
	Schedule string
}

// SecurityConfig holds security configuration
type SecurityConfig struct {
	AdminAPIToken string
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	MetricsPath string
	LogLevel    string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", "30s"),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", "120s"),
		},
		GRPC: GRPCConfig{
			Enabled: getEnvAsBool("GRPC_ENABLED", true),
			Port:    getEnvAsInt("GRPC_PORT", 9090),
		},
		Store: StoreConfig{
			Backend: getEnv("STORE_BACKEND", BackendRedis),
		},
		Database: DatabaseConfig{
			Host:             getEnv("DB_HOST", "localhost"),
			Port:             getEnvAsInt("DB_PORT", 5432),
			User:             getEnv("DB_USER", "crosslogic"),
			Password:         getEnv("DB_PASSWORD", ""),
			Database:         getEnv("DB_NAME", "crosslogic_quota"),
			SSLMode:          getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", "5m"),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", "5s"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		SQLite: SQLiteConfig{
			Path: getEnv("SQLITE_PATH", "quota.db"),
		},
		Quota: QuotaConfig{
			WindowSeconds:     getEnvAsInt("MINUTE_WINDOW_SECONDS", defaultWindowSeconds),
			IdempotencyKeyTTL: getEnvAsDuration("IDEMPOTENCY_KEY_TTL", "72h"),
			MeterStateTTL:     getEnvAsDuration("METER_STATE_TTL", "0s"),
			MailboxSize:       getEnvAsInt("ACTOR_MAILBOX_SIZE", 64),
			ActorIdleTimeout:  getEnvAsDuration("ACTOR_IDLE_TIMEOUT", "5m"),
		},
		Plans: PlansConfig{
			File:  getEnv("PLANS_FILE", ""),
			Watch: getEnvAsBool("PLANS_WATCH", false),
		},
		Retention: RetentionConfig{
			Schedule: getEnv("RETENTION_SCHEDULE", "*/15 * * * *"),
		},
		Security: SecurityConfig{
			AdminAPIToken: getEnv("ADMIN_API_TOKEN", ""),
		},
		Monitoring: MonitoringConfig{
			MetricsPath: getEnv("METRICS_PATH", "/metrics"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
	}

	// A bad window size is never fatal; it falls back to one minute.
	if cfg.Quota.WindowSeconds <= 0 {
		cfg.Quota.WindowSeconds = defaultWindowSeconds
	}
	if cfg.Quota.MailboxSize <= 0 {
		cfg.Quota.MailboxSize = 64
	}

	// Validate required fields
	switch cfg.Store.Backend {
	case BackendMemory, BackendRedis, BackendSQLite:
	case BackendPostgres:
		if cfg.Database.Password == "" {
			return nil, fmt.Errorf("DB_PASSWORD is required for the postgres backend")
		}
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.Store.Backend)
	}

	if cfg.Security.AdminAPIToken == "" {
		return nil, fmt.Errorf("ADMIN_API_TOKEN is required")
	}

	if err := cfg.Quota.validate(); err != nil {
		return nil, err
	}

	if cfg.Plans.Watch && cfg.Plans.File == "" {
		return nil, fmt.Errorf("PLANS_WATCH requires PLANS_FILE")
	}

	return cfg, nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}
