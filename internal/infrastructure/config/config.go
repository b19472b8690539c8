package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Gateway       GatewayConfig       `mapstructure:"gateway"`
	CanaryGateway GatewayConfig       `mapstructure:"canary_gateway"`
	Breaker       BreakerConfig       `mapstructure:"breaker"`
	Transaction   TransactionConfig   `mapstructure:"transaction"`
	Events        EventsConfig        `mapstructure:"events"`
	Features      FeaturesConfig      `mapstructure:"features"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Auth          AuthConfig          `mapstructure:"auth"`
	InstanceID    string              `mapstructure:"instance_id"`
}

type ServerConfig struct {
	Port            int             `mapstructure:"port"`
	ReadTimeout     time.Duration   `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration   `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration   `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration   `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	CORS            CORSConfig      `mapstructure:"cors"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

type RateLimitConfig struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	// RemoteApply waits for standby replicas to apply each commit.
	RemoteApply bool `mapstructure:"remote_apply"`
}

type RedisConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	DB                int           `mapstructure:"db"`
	Password          string        `mapstructure:"password"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

// GatewayConfig describes one charge-capture gateway. An empty BaseURL
// selects the in-process mock.
type GatewayConfig struct {
	Enabled          bool          `mapstructure:"enabled"` // canary only
	Name             string        `mapstructure:"name"`
	BaseURL          string        `mapstructure:"base_url"`
	APIKey           string        `mapstructure:"api_key"`
	Timeout          time.Duration `mapstructure:"timeout"`
	WebhookSecret    string        `mapstructure:"webhook_secret"`
	WebhookTolerance time.Duration `mapstructure:"webhook_tolerance"`
	ReadyAttempts    uint          `mapstructure:"ready_attempts"`
	ReadyDelay       time.Duration `mapstructure:"ready_delay"`
	RefreshInterval  time.Duration `mapstructure:"refresh_interval"`
}

// Mock reports whether the in-process mock gateway should be used.
func (c GatewayConfig) Mock() bool {
	return c.BaseURL == ""
}

type BreakerConfig struct {
	FailureThreshold    int           `mapstructure:"failure_threshold"`
	ResetTimeout        time.Duration `mapstructure:"reset_timeout"`
	MaxHalfOpenAttempts int           `mapstructure:"max_half_open_attempts"`
}

type TransactionConfig struct {
	MaxAge       time.Duration `mapstructure:"max_age"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
	Journal      bool          `mapstructure:"journal"`
}

type EventsConfig struct {
	BufferSize   int    `mapstructure:"buffer_size"`
	Stream       string `mapstructure:"stream"`
	StreamMaxLen int64  `mapstructure:"stream_max_len"`
}

type FeaturesConfig struct {
	CanaryRollout int      `mapstructure:"canary_rollout"`
	CanaryVenues  []string `mapstructure:"canary_venues"`
}

type WorkerConfig struct {
	BatchSize     int64         `mapstructure:"batch_size"`
	BlockDuration time.Duration `mapstructure:"block_duration"`
	ConsumerGroup string        `mapstructure:"consumer_group"`
	ClaimMinIdle  time.Duration `mapstructure:"claim_min_idle"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	MaxRetries    uint          `mapstructure:"max_retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	DedupeTTL     time.Duration `mapstructure:"dedupe_ttl"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
	EnableMetrics  bool   `mapstructure:"enable_metrics"`
	EnableTracing  bool   `mapstructure:"enable_tracing"`
}

var envReplacer = strings.NewReplacer(".", "_")

func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// VENUEPAY_SERVER_PORT overrides server.port
	v.SetEnvPrefix("VENUEPAY")
	v.SetEnvKeyReplacer(envReplacer)
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/venuepay")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, errors.New("server.read_timeout must be positive"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, errors.New("server.write_timeout must be positive"))
	}
	if c.Database.Host == "" {
		errs = append(errs, errors.New("database.host is required"))
	}
	if c.Database.Port <= 0 {
		errs = append(errs, errors.New("database.port must be positive"))
	}
	if c.Redis.Port <= 0 {
		errs = append(errs, errors.New("redis.port must be positive"))
	}
	errs = append(errs, c.Gateway.validate("gateway")...)
	if c.CanaryGateway.Enabled {
		errs = append(errs, c.CanaryGateway.validate("canary_gateway")...)
		if c.CanaryGateway.Name == c.Gateway.Name {
			errs = append(errs, errors.New("canary_gateway.name must differ from gateway.name"))
		}
	}
	if c.Breaker.FailureThreshold <= 0 {
		errs = append(errs, errors.New("breaker.failure_threshold must be positive"))
	}
	if c.Breaker.ResetTimeout <= 0 {
		errs = append(errs, errors.New("breaker.reset_timeout must be positive"))
	}
	if c.Breaker.MaxHalfOpenAttempts <= 0 {
		errs = append(errs, errors.New("breaker.max_half_open_attempts must be positive"))
	}
	if c.Transaction.MaxAge <= 0 {
		errs = append(errs, errors.New("transaction.max_age must be positive"))
	}
	if c.Transaction.ReapInterval <= 0 {
		errs = append(errs, errors.New("transaction.reap_interval must be positive"))
	}
	if c.Features.CanaryRollout < 0 || c.Features.CanaryRollout > 100 {
		errs = append(errs, fmt.Errorf("features.canary_rollout must be between 0 and 100, got %d", c.Features.CanaryRollout))
	}
	if c.Worker.BatchSize <= 0 {
		errs = append(errs, errors.New("worker.batch_size must be positive"))
	}
	if c.Worker.LockTTL <= 0 {
		errs = append(errs, errors.New("worker.lock_ttl must be positive"))
	}
	if c.Worker.MaxRetries == 0 {
		errs = append(errs, errors.New("worker.max_retries must be positive"))
	}

	// Production environment checks
	env := os.Getenv("ENV")
	if env == "production" || env == "prod" {
		if c.Database.Password == "" {
			errs = append(errs, errors.New("database.password required in production"))
		}
		if c.Auth.JWTSecret == "" {
			errs = append(errs, errors.New("auth.jwt_secret required in production"))
		}
		if c.Gateway.Mock() {
			errs = append(errs, errors.New("gateway.base_url required in production"))
		}
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 32 characters"))
	}

	return errors.Join(errs...)
}

func (c GatewayConfig) validate(section string) []error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, fmt.Errorf("%s.name is required", section))
	}
	if c.WebhookSecret == "" {
		errs = append(errs, fmt.Errorf("%s.webhook_secret is required", section))
	}
	if !c.Mock() && c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("%s.timeout must be positive", section))
	}
	return errs
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.cors.allowed_origins", []string{"*"})
	v.SetDefault("server.cors.allow_credentials", false)
	v.SetDefault("server.rate_limit.requests", 100)
	v.SetDefault("server.rate_limit.window", "1m")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "venuepay")
	v.SetDefault("database.database", "venuepay")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.remote_apply", false)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.connect_retries", 5)
	v.SetDefault("redis.connect_retry_delay", "1s")

	// Gateway defaults
	v.SetDefault("gateway.name", "mockpay")
	v.SetDefault("gateway.base_url", "")
	v.SetDefault("gateway.api_key", "")
	v.SetDefault("gateway.timeout", "10s")
	v.SetDefault("gateway.webhook_secret", "whsec_local_development")
	v.SetDefault("gateway.webhook_tolerance", "5m")
	v.SetDefault("gateway.ready_attempts", 5)
	v.SetDefault("gateway.ready_delay", "1s")
	v.SetDefault("gateway.refresh_interval", "30s")
	v.SetDefault("canary_gateway.enabled", false)
	v.SetDefault("canary_gateway.name", "")
	v.SetDefault("canary_gateway.base_url", "")
	v.SetDefault("canary_gateway.api_key", "")
	v.SetDefault("canary_gateway.webhook_secret", "")
	v.SetDefault("canary_gateway.timeout", "10s")
	v.SetDefault("canary_gateway.webhook_tolerance", "5m")
	v.SetDefault("canary_gateway.ready_attempts", 5)
	v.SetDefault("canary_gateway.ready_delay", "1s")
	v.SetDefault("canary_gateway.refresh_interval", "30s")

	// Breaker defaults
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", "30s")
	v.SetDefault("breaker.max_half_open_attempts", 3)

	// Transaction defaults
	v.SetDefault("transaction.max_age", "15m")
	v.SetDefault("transaction.reap_interval", "1m")
	v.SetDefault("transaction.journal", true)

	// Event channel defaults
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.stream", "payments:events")
	v.SetDefault("events.stream_max_len", 100000)

	// Feature defaults
	v.SetDefault("features.canary_rollout", 0)
	v.SetDefault("features.canary_venues", []string{})

	// Worker defaults
	v.SetDefault("worker.batch_size", 10)
	v.SetDefault("worker.block_duration", "1s")
	v.SetDefault("worker.consumer_group", "venuepay-reconcilers")
	v.SetDefault("worker.claim_min_idle", "1m")
	v.SetDefault("worker.lock_ttl", "30s")
	v.SetDefault("worker.max_retries", 5)
	v.SetDefault("worker.retry_delay", "1s")
	v.SetDefault("worker.dedupe_ttl", "72h")

	// Observability defaults
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "json")
	v.SetDefault("observability.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.enable_tracing", true)

	// Auth defaults
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "venuepay")

	v.SetDefault("instance_id", "venuepay-1")
}

func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// MigrationURL returns the connection URL used by golang-migrate.
func (c *DatabaseConfig) MigrationURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
