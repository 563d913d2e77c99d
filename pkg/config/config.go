package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tenantgate/tenantgate/pkg/observability"
	"github.com/tenantgate/tenantgate/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration
	Storage storage.Config

	// Tenant resolution configuration
	Resolution ResolutionConfig

	// Permission checking configuration
	Permissions PermissionsConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// ResolutionConfig controls how incoming requests are mapped to tenants
type ResolutionConfig struct {
	// DefaultTenantSlug is the fallback tenant when no signal matches.
	// Empty disables the fallback and unresolved requests are rejected.
	DefaultTenantSlug string

	// HeaderResolutionEnabled allows X-Tenant-ID / X-Tenant-Slug headers
	HeaderResolutionEnabled bool

	// DomainResolutionEnabled allows custom-domain and subdomain lookups
	DomainResolutionEnabled bool

	// ReservedSubdomains are never treated as tenant slugs
	ReservedSubdomains []string

	// SkipPaths bypass tenant resolution entirely (health probes, metrics)
	SkipPaths []string

	// PublicPaths are served even when no tenant resolves (login, signup)
	PublicPaths []string

	// CacheTTL applies to both the in-process and shared tenant caches
	CacheTTL time.Duration

	// MemoryCacheSize bounds the in-process tenant cache
	MemoryCacheSize int
}

// PermissionsConfig controls permission evaluation and caching
type PermissionsConfig struct {
	// CacheTTL applies to cached per-user permission sets
	CacheTTL time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Resolution:    loadResolutionConfig(),
		Permissions:   loadPermissionsConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("TENANTGATE_HOST", "0.0.0.0"),
		Port:            getEnv("TENANTGATE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("TENANTGATE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("TENANTGATE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("TENANTGATE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("TENANTGATE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("TENANTGATE_HEALTH_PORT", "9090"),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if pgURL := getEnv("TENANTGATE_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if maxConns := getEnvInt("TENANTGATE_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("TENANTGATE_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("TENANTGATE_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	if redisURL := getEnv("TENANTGATE_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("TENANTGATE_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("TENANTGATE_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("TENANTGATE_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("TENANTGATE_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	return cfg
}

// loadResolutionConfig loads tenant resolution configuration from environment
func loadResolutionConfig() ResolutionConfig {
	return ResolutionConfig{
		DefaultTenantSlug:       getEnv("TENANTGATE_DEFAULT_TENANT_SLUG", ""),
		HeaderResolutionEnabled: getEnvBool("TENANTGATE_HEADER_RESOLUTION_ENABLED", true),
		DomainResolutionEnabled: getEnvBool("TENANTGATE_DOMAIN_RESOLUTION_ENABLED", true),
		ReservedSubdomains:      getEnvList("TENANTGATE_RESERVED_SUBDOMAINS", []string{"www", "api", "app", "admin"}),
		SkipPaths:               getEnvList("TENANTGATE_SKIP_PATHS", []string{"/healthz", "/readyz", "/metrics"}),
		PublicPaths:             getEnvList("TENANTGATE_PUBLIC_PATHS", nil),
		CacheTTL:                getEnvDuration("TENANTGATE_TENANT_CACHE_TTL", 5*time.Minute),
		MemoryCacheSize:         getEnvInt("TENANTGATE_TENANT_CACHE_SIZE", 1024),
	}
}

// loadPermissionsConfig loads permission configuration from environment
func loadPermissionsConfig() PermissionsConfig {
	return PermissionsConfig{
		CacheTTL: getEnvDuration("TENANTGATE_PERMISSION_CACHE_TTL", 5*time.Minute),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       parseLogLevel(getEnv("TENANTGATE_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("TENANTGATE_METRICS_ENABLED", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Storage.RedisURL == "" {
		return fmt.Errorf("redis URL is required")
	}

	if !c.Resolution.HeaderResolutionEnabled && !c.Resolution.DomainResolutionEnabled && c.Resolution.DefaultTenantSlug == "" {
		return fmt.Errorf("at least one tenant resolution mechanism must be enabled")
	}
	if c.Resolution.CacheTTL <= 0 {
		return fmt.Errorf("tenant cache TTL must be positive")
	}
	if c.Resolution.MemoryCacheSize <= 0 {
		return fmt.Errorf("tenant memory cache size must be positive")
	}

	if c.Permissions.CacheTTL <= 0 {
		return fmt.Errorf("permission cache TTL must be positive")
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList returns a comma-separated environment variable or a default
func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
