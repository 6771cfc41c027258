package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/caseguard/pkg/observability"
)

const envPrefix = "CASEGUARD_"

// minSecretLength is the minimum HMAC secret size for token signing
const minSecretLength = 32

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Tokens        TokenConfig
	Cache         CacheConfig
	Authz         AuthzConfig
	Billing       BillingConfig
	Realtime      RealtimeConfig
	RateLimit     RateLimitConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	HealthPort      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Addr returns the API listen address
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// DatabaseConfig selects and tunes the relational store
type DatabaseConfig struct {
	Driver          string // postgres or sqlite3
	URL             string
	MaxConns        int
	MinConns        int
	ConnMaxLifetime time.Duration
	Timeout         time.Duration
}

// RedisConfig configures the entitlement cache connection
type RedisConfig struct {
	URL        string
	Password   string
	DB         int // -1 keeps the database from URL
	PoolSize   int
	MaxRetries int
}

// TokenConfig holds the two independent secret+TTL pairs
type TokenConfig struct {
	AccessSecret  string
	AccessTTL     time.Duration
	RefreshSecret string
	RefreshTTL    time.Duration
	Issuer        string
}

// CacheConfig tunes the entitlement store and grant rebuilds
type CacheConfig struct {
	TTL                 time.Duration
	SubscriptionTTL     time.Duration
	RebuildDebounce     time.Duration
	RebuildTimeout      time.Duration
	RebuildDebounceSize int
}

// AuthzConfig holds decision engine settings
type AuthzConfig struct {
	SuperAdminRole string
}

// BillingConfig holds subscription snapshot reconciliation settings
type BillingConfig struct {
	ReconcileSchedule string // cron spec; empty disables
}

// RealtimeConfig holds websocket settings
type RealtimeConfig struct {
	AllowedOrigins []string
}

// RateLimitConfig limits credential endpoints
type RateLimitConfig struct {
	PerMinute int
}

// ObservabilityConfig holds logging, metrics and tracing settings
type ObservabilityConfig struct {
	LogLevel           observability.LogLevel
	MetricsEnabled     bool
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from CASEGUARD_* environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("HOST", "0.0.0.0"),
			Port:            getEnv("PORT", "8080"),
			HealthPort:      getEnv("HEALTH_PORT", "9090"),
			ReadTimeout:     getEnvDuration("READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Driver:          strings.ToLower(getEnv("DB_DRIVER", "postgres")),
			URL:             getEnv("DATABASE_URL", ""),
			MaxConns:        getEnvInt("DB_MAX_CONNS", 20),
			MinConns:        getEnvInt("DB_MIN_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			Timeout:         getEnvDuration("DB_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			URL:        getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password:   getEnv("REDIS_PASSWORD", ""),
			DB:         getEnvInt("REDIS_DB", -1),
			PoolSize:   getEnvInt("REDIS_POOL_SIZE", 10),
			MaxRetries: getEnvInt("REDIS_MAX_RETRIES", 3),
		},
		Tokens: TokenConfig{
			AccessSecret:  getEnv("JWT_ACCESS_SECRET", ""),
			AccessTTL:     getEnvDuration("JWT_ACCESS_TTL", 15*time.Minute),
			RefreshSecret: getEnv("JWT_REFRESH_SECRET", ""),
			RefreshTTL:    getEnvDuration("JWT_REFRESH_TTL", 7*24*time.Hour),
			Issuer:        getEnv("JWT_ISSUER", "caseguard"),
		},
		Cache: CacheConfig{
			TTL:                 getEnvDuration("CACHE_TTL", time.Hour),
			SubscriptionTTL:     getEnvDuration("SUBSCRIPTION_TTL", time.Hour),
			RebuildDebounce:     getEnvDuration("REBUILD_DEBOUNCE", 5*time.Second),
			RebuildTimeout:      getEnvDuration("REBUILD_TIMEOUT", 5*time.Second),
			RebuildDebounceSize: getEnvInt("REBUILD_DEBOUNCE_SIZE", 10000),
		},
		Authz: AuthzConfig{
			SuperAdminRole: getEnv("SUPER_ADMIN_ROLE", "super_admin"),
		},
		Billing: BillingConfig{
			ReconcileSchedule: getEnvRaw("RECONCILE_SCHEDULE", "@every 10m"),
		},
		Realtime: RealtimeConfig{
			AllowedOrigins: getEnvList("WS_ALLOWED_ORIGINS"),
		},
		RateLimit: RateLimitConfig{
			PerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 10),
		},
		Observability: ObservabilityConfig{
			LogLevel:           observability.ParseLogLevel(getEnv("LOG_LEVEL", "info")),
			MetricsEnabled:     getEnvBool("METRICS_ENABLED", true),
			OTelEnabled:        getEnvBool("OTEL_ENABLED", false),
			OTelEndpoint:       getEnv("OTEL_ENDPOINT", "localhost:4317"),
			OTelServiceName:    getEnv("OTEL_SERVICE_NAME", "caseguard"),
			OTelServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
			OTelInsecure:       getEnvBool("OTEL_INSECURE", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for inconsistencies
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server port is required"))
	}
	if c.Server.Port == c.Server.HealthPort {
		errs = append(errs, errors.New("server port and health port must be different"))
	}

	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("invalid database driver: %q (must be postgres or sqlite3)", c.Database.Driver))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database URL is required"))
	}

	if len(c.Tokens.AccessSecret) < minSecretLength {
		errs = append(errs, fmt.Errorf("access token secret must be at least %d bytes", minSecretLength))
	}
	if len(c.Tokens.RefreshSecret) < minSecretLength {
		errs = append(errs, fmt.Errorf("refresh token secret must be at least %d bytes", minSecretLength))
	}
	if c.Tokens.AccessSecret != "" && c.Tokens.AccessSecret == c.Tokens.RefreshSecret {
		errs = append(errs, errors.New("access and refresh token secrets must differ"))
	}
	if c.Tokens.AccessTTL <= 0 || c.Tokens.RefreshTTL <= 0 {
		errs = append(errs, errors.New("token TTLs must be positive"))
	}

	if c.Cache.TTL <= 0 || c.Cache.SubscriptionTTL <= 0 {
		errs = append(errs, errors.New("cache TTLs must be positive"))
	}

	if c.Authz.SuperAdminRole == "" {
		errs = append(errs, errors.New("super admin role is required"))
	}

	if c.Observability.OTelEnabled && c.Observability.OTelEndpoint == "" {
		errs = append(errs, errors.New("OpenTelemetry endpoint is required when OTel is enabled"))
	}

	return errors.Join(errs...)
}

// getEnv returns CASEGUARD_<key> or defaultValue when unset or blank
func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(envPrefix + key)); value != "" {
		return value
	}
	return defaultValue
}

// getEnvRaw distinguishes "set to empty" from "unset"
func getEnvRaw(key, defaultValue string) string {
	if value, ok := os.LookupEnv(envPrefix + key); ok {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := getEnv(key, ""); value != "" {
		return strings.EqualFold(value, "true") || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := getEnv(key, ""); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := getEnv(key, ""); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := getEnv(key, "")
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
