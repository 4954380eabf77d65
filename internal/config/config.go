package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Store         StoreConfig         `mapstructure:"store"`
	QuickBooks    QuickBooksConfig    `mapstructure:"quickbooks"`
	Refresher     RefresherConfig     `mapstructure:"refresher"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	InstanceID    string              `mapstructure:"instance_id"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	AdminJWTSecret   string        `mapstructure:"admin_jwt_secret"`
	ConnectRateLimit int           `mapstructure:"connect_rate_limit"`
	CORS             CORSConfig    `mapstructure:"cors"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

// StoreConfig selects and configures the credential store backend.
type StoreConfig struct {
	Driver   string         `mapstructure:"driver"` // "redis" or "postgres"
	Redis    RedisConfig    `mapstructure:"redis"`
	Database DatabaseConfig `mapstructure:"database"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	DB                int           `mapstructure:"db"`
	Password          string        `mapstructure:"password"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

// DatabaseConfig holds PostgreSQL configuration
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
}

// QuickBooksConfig holds the provider endpoints and gateway behavior. Base
// URLs and redirect URIs are configuration inputs, never literals in the
// core logic.
type QuickBooksConfig struct {
	Environment       string        `mapstructure:"environment"` // "sandbox" or "production"
	ClientID          string        `mapstructure:"client_id"`
	ClientSecret      string        `mapstructure:"client_secret"`
	AuthorizeURL      string        `mapstructure:"authorize_url"`
	TokenURL          string        `mapstructure:"token_url"`
	SandboxBaseURL    string        `mapstructure:"sandbox_base_url"`
	ProductionBaseURL string        `mapstructure:"production_base_url"`
	Scope             string        `mapstructure:"scope"`
	RedirectURI       string        `mapstructure:"redirect_uri"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	TokenSafetyMargin time.Duration `mapstructure:"token_safety_margin"`
	StateTTL          time.Duration `mapstructure:"state_ttl"`
	CollectBilling    bool          `mapstructure:"collect_billing"`
}

// RefresherConfig holds the background token warmer configuration.
type RefresherConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// ObservabilityConfig holds logging and tracing configuration
type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
	EnableMetrics  bool   `mapstructure:"enable_metrics"`
	EnableTracing  bool   `mapstructure:"enable_tracing"`
}

// Load reads configuration from environment variables and config files
func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from environment variables
	v.SetEnvPrefix("QBGATEWAY")
	v.AutomaticEnv()

	// Read from config file if exists
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/quickbooks-gateway")

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

// Validate checks that required configuration fields have valid values.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.read_timeout must be positive"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.write_timeout must be positive"))
	}
	switch c.Store.Driver {
	case "redis":
		if c.Store.Redis.Port <= 0 {
			errs = append(errs, fmt.Errorf("store.redis.port must be positive"))
		}
	case "postgres":
		if c.Store.Database.Host == "" {
			errs = append(errs, fmt.Errorf("store.database.host is required"))
		}
		if c.Store.Database.Port <= 0 {
			errs = append(errs, fmt.Errorf("store.database.port must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be redis or postgres, got %q", c.Store.Driver))
	}
	switch c.QuickBooks.Environment {
	case "sandbox", "production":
	default:
		errs = append(errs, fmt.Errorf("quickbooks.environment must be sandbox or production, got %q", c.QuickBooks.Environment))
	}
	if c.QuickBooks.TokenURL == "" {
		errs = append(errs, fmt.Errorf("quickbooks.token_url is required"))
	}
	if c.QuickBooks.AuthorizeURL == "" {
		errs = append(errs, fmt.Errorf("quickbooks.authorize_url is required"))
	}
	if c.QuickBooks.RedirectURI == "" {
		errs = append(errs, fmt.Errorf("quickbooks.redirect_uri is required"))
	}
	if c.QuickBooks.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("quickbooks.request_timeout must be positive"))
	}
	if c.QuickBooks.TokenSafetyMargin <= 0 {
		errs = append(errs, fmt.Errorf("quickbooks.token_safety_margin must be positive"))
	}
	if c.Refresher.Interval <= 0 {
		errs = append(errs, fmt.Errorf("refresher.interval must be positive"))
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.admin_jwt_secret", "")
	v.SetDefault("server.connect_rate_limit", 30)
	v.SetDefault("server.cors.allowed_origins", []string{"*"})
	v.SetDefault("server.cors.allow_credentials", false)

	// Store defaults
	v.SetDefault("store.driver", "redis")
	v.SetDefault("store.redis.host", "localhost")
	v.SetDefault("store.redis.port", 6379)
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.connect_retries", 5)
	v.SetDefault("store.redis.connect_retry_delay", "1s")
	v.SetDefault("store.database.host", "localhost")
	v.SetDefault("store.database.port", 5432)
	v.SetDefault("store.database.user", "gateway")
	v.SetDefault("store.database.password", "gateway")
	v.SetDefault("store.database.database", "gateway")
	v.SetDefault("store.database.max_connections", 10)
	v.SetDefault("store.database.min_connections", 2)
	v.SetDefault("store.database.conn_max_lifetime", "1h")
	v.SetDefault("store.database.ssl_mode", "disable")

	// QuickBooks defaults
	v.SetDefault("quickbooks.environment", "sandbox")
	v.SetDefault("quickbooks.client_id", "")
	v.SetDefault("quickbooks.client_secret", "")
	v.SetDefault("quickbooks.authorize_url", "https://appcenter.intuit.com/connect/oauth2")
	v.SetDefault("quickbooks.token_url", "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer")
	v.SetDefault("quickbooks.sandbox_base_url", "https://sandbox.api.intuit.com")
	v.SetDefault("quickbooks.production_base_url", "https://api.intuit.com")
	v.SetDefault("quickbooks.scope", "com.intuit.quickbooks.payment")
	v.SetDefault("quickbooks.redirect_uri", "http://localhost:8080/api/v1/connect/callback")
	v.SetDefault("quickbooks.request_timeout", "30s")
	v.SetDefault("quickbooks.token_safety_margin", "15m")
	v.SetDefault("quickbooks.state_ttl", "10m")
	v.SetDefault("quickbooks.collect_billing", false)

	// Refresher defaults
	v.SetDefault("refresher.interval", "30m")
	v.SetDefault("refresher.lock_ttl", "1m")

	// Observability defaults
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.enable_tracing", true)

	// Instance ID
	v.SetDefault("instance_id", "qb-gateway-1")
}

// BaseURL returns the payments API base URL for the configured environment.
func (c *QuickBooksConfig) BaseURL() string {
	if c.Environment == "production" {
		return c.ProductionBaseURL
	}
	return c.SandboxBaseURL
}

// DatabaseDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
