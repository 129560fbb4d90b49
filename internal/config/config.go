// Package config handles application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DevJWTSecret is the signing secret used when JWT_SECRET is unset outside
// production.
const DevJWTSecret = "secret_key"

// Counter store backends.
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config holds all configuration for the application.
type Config struct {
	App      AppConfig
	Server   ServerConfig
	Redis    RedisConfig
	Rate     RateLimitConfig
	Auth     AuthConfig
	Database DatabaseConfig
	Usage    UsageConfig
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Env      string
	LogLevel string
}

// IsDevelopment returns true if the app is running in development mode.
func (a AppConfig) IsDevelopment() bool {
	return a.Env == "development" || a.Env == "dev"
}

// IsProduction returns true if the app is running in production mode.
func (a AppConfig) IsProduction() bool {
	return a.Env == "production" || a.Env == "prod"
}

// ServerConfig holds server-specific configuration.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	TrustProxy      bool     // Read client IPs from X-Forwarded-For / X-Real-IP
	TrustedProxies  []string // Restricts TrustProxy to these peers when set
}

// Address returns the server address in host:port format.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Host      string
	Port      int
	Password  string
	DB        int
	PoolSize  int
	OpTimeout time.Duration // Upper bound on a single counter command
}

// Address returns the Redis address in host:port format.
func (r RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Store     string // Counter store backend: redis or memory
	Requests  int64  // Admitted requests per window
	Window    time.Duration
	Mode      string // strict or best-effort
	KeyPrefix string
	FailOpen  bool // Admit requests when the counter store is unavailable
}

// AuthConfig holds credential validation configuration.
type AuthConfig struct {
	Secret string
	Issuer string
	Header string
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// UsageConfig holds configuration for the usage ledger.
type UsageConfig struct {
	Enabled       bool
	FlushInterval time.Duration
	BatchSize     int
	ChannelBuffer int
}

// Load reads configuration from environment variables, after merging in
// the file named by ENV_FILE (default ".env") if it exists. Variables already
// set in the environment take precedence over the file.
func Load() (*Config, error) {
	if err := loadEnvFile(getEnvOrDefault("ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	cfg := &Config{}

	// App config
	cfg.App.Env = getEnvOrDefault("APP_ENV", "development")
	cfg.App.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Server config
	cfg.Server.Host = getEnvOrDefault("SERVER_HOST", "0.0.0.0")

	port, err := getEnvAsInt("SERVER_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}
	cfg.Server.Port = port

	readTimeout, err := getEnvAsDuration("SERVER_READ_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_READ_TIMEOUT: %w", err)
	}
	cfg.Server.ReadTimeout = readTimeout

	writeTimeout, err := getEnvAsDuration("SERVER_WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_WRITE_TIMEOUT: %w", err)
	}
	cfg.Server.WriteTimeout = writeTimeout

	shutdownTimeout, err := getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_SHUTDOWN_TIMEOUT: %w", err)
	}
	cfg.Server.ShutdownTimeout = shutdownTimeout

	trustProxy, err := getEnvAsBool("SERVER_TRUST_PROXY", false)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_TRUST_PROXY: %w", err)
	}
	cfg.Server.TrustProxy = trustProxy
	cfg.Server.TrustedProxies = getEnvAsList("SERVER_TRUSTED_PROXIES")

	// Redis config
	cfg.Redis.Host = getEnvOrDefault("REDIS_HOST", "localhost")
	redisPort, err := getEnvAsInt("REDIS_PORT", 6379)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
	}
	cfg.Redis.Port = redisPort
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", "")
	redisDB, err := getEnvAsInt("REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	cfg.Redis.DB = redisDB
	redisPoolSize, err := getEnvAsInt("REDIS_POOL_SIZE", 10)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_POOL_SIZE: %w", err)
	}
	cfg.Redis.PoolSize = redisPoolSize
	opTimeout, err := getEnvAsDuration("REDIS_OP_TIMEOUT", 250*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_OP_TIMEOUT: %w", err)
	}
	cfg.Redis.OpTimeout = opTimeout

	// Rate limit config
	cfg.Rate.Store = strings.ToLower(getEnvOrDefault("COUNTER_STORE", StoreRedis))
	requests, err := getEnvAsInt64("RATE_LIMIT_REQUESTS", 0)
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_REQUESTS: %w", err)
	}
	if requests == 0 {
		requests, err = getEnvAsInt64("REQUESTS_PER_MINUTE", 100)
		if err != nil {
			return nil, fmt.Errorf("invalid REQUESTS_PER_MINUTE: %w", err)
		}
	}
	cfg.Rate.Requests = requests
	window, err := getEnvAsDuration("RATE_LIMIT_WINDOW", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_WINDOW: %w", err)
	}
	cfg.Rate.Window = window
	cfg.Rate.Mode = strings.ToLower(getEnvOrDefault("RATE_LIMIT_MODE", "strict"))
	cfg.Rate.KeyPrefix = getEnvOrDefault("RATE_LIMIT_KEY_PREFIX", "")
	failOpen, err := getEnvAsBool("RATE_LIMIT_FAIL_OPEN", false)
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_FAIL_OPEN: %w", err)
	}
	cfg.Rate.FailOpen = failOpen

	// Auth config
	cfg.Auth.Secret = os.Getenv("JWT_SECRET")
	cfg.Auth.Issuer = getEnvOrDefault("JWT_ISSUER", "")
	cfg.Auth.Header = getEnvOrDefault("AUTH_HEADER", "Authorization")

	// Database config
	cfg.Database.Host = getEnvOrDefault("DB_HOST", "localhost")
	dbPort, err := getEnvAsInt("DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}
	cfg.Database.Port = dbPort
	cfg.Database.User = getEnvOrDefault("DB_USER", "quotagate")
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", "")
	cfg.Database.DBName = getEnvOrDefault("DB_NAME", "quotagate")
	cfg.Database.SSLMode = getEnvOrDefault("DB_SSLMODE", "disable")

	maxOpenConns, err := getEnvAsInt("DB_MAX_OPEN_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_OPEN_CONNS: %w", err)
	}
	cfg.Database.MaxOpenConns = maxOpenConns

	maxIdleConns, err := getEnvAsInt("DB_MAX_IDLE_CONNS", 2)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_IDLE_CONNS: %w", err)
	}
	cfg.Database.MaxIdleConns = maxIdleConns

	connMaxLifetime, err := getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_CONN_MAX_LIFETIME: %w", err)
	}
	cfg.Database.ConnMaxLifetime = connMaxLifetime

	// Usage ledger config
	usageEnabled, err := getEnvAsBool("USAGE_ENABLED", false)
	if err != nil {
		return nil, fmt.Errorf("invalid USAGE_ENABLED: %w", err)
	}
	cfg.Usage.Enabled = usageEnabled
	flushInterval, err := getEnvAsDuration("USAGE_FLUSH_INTERVAL", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid USAGE_FLUSH_INTERVAL: %w", err)
	}
	cfg.Usage.FlushInterval = flushInterval
	batchSize, err := getEnvAsInt("USAGE_BATCH_SIZE", 100)
	if err != nil {
		return nil, fmt.Errorf("invalid USAGE_BATCH_SIZE: %w", err)
	}
	cfg.Usage.BatchSize = batchSize
	channelBuffer, err := getEnvAsInt("USAGE_CHANNEL_BUFFER", 10000)
	if err != nil {
		return nil, fmt.Errorf("invalid USAGE_CHANNEL_BUFFER: %w", err)
	}
	cfg.Usage.ChannelBuffer = channelBuffer

	if cfg.Auth.Secret == "" && !cfg.App.IsProduction() {
		cfg.Auth.Secret = DevJWTSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints that individual parsers cannot.
func (c *Config) Validate() error {
	var errs []error

	if c.Rate.Requests <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_REQUESTS must be positive, got %d", c.Rate.Requests))
	}
	if c.Rate.Window < time.Second || c.Rate.Window%time.Second != 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_WINDOW must be a whole number of seconds, got %s", c.Rate.Window))
	}
	switch c.Rate.Mode {
	case "strict", "best-effort":
	default:
		errs = append(errs, fmt.Errorf("RATE_LIMIT_MODE must be strict or best-effort, got %q", c.Rate.Mode))
	}
	switch c.Rate.Store {
	case StoreRedis, StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("COUNTER_STORE must be redis or memory, got %q", c.Rate.Store))
	}
	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required in production"))
	}
	if c.Usage.Enabled && !c.DatabaseEnabled() {
		errs = append(errs, errors.New("USAGE_ENABLED requires DB_HOST and DB_PASSWORD"))
	}

	return errors.Join(errs...)
}

// DatabaseEnabled returns true if database configuration is provided.
func (c *Config) DatabaseEnabled() bool {
	return c.Database.Host != "" && c.Database.Password != ""
}

// loadEnvFile merges variables from path into the environment.
// A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt returns the environment variable as an integer.
func getEnvAsInt(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, err
	}
	return value, nil
}

// getEnvAsInt64 returns the environment variable as a 64-bit integer.
func getEnvAsInt64(key string, defaultValue int64) (int64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	return strconv.ParseInt(valueStr, 10, 64)
}

// getEnvAsBool returns the environment variable as a boolean.
func getEnvAsBool(key string, defaultValue bool) (bool, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	return strconv.ParseBool(valueStr)
}

// getEnvAsList returns a comma-separated environment variable as a slice,
// skipping empty entries.
func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvAsDuration returns the environment variable as a duration.
// Bare integers are read as seconds.
func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, err
	}
	return value, nil
}
