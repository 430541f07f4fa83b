package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/relay/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Cache         CacheConfig         `yaml:"cache"`
	Export        ExportConfig        `yaml:"export"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	URL         string        `yaml:"url"`
	ReplicaURLs string        `yaml:"replica_urls"`
	MaxConns    int           `yaml:"max_conns"`
	MinConns    int           `yaml:"min_conns"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxLifetime time.Duration `yaml:"max_lifetime"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
}

// RedisConfig holds optional Redis configuration for the shared definition
// cache layer. An empty URL disables Redis entirely.
type RedisConfig struct {
	URL        string `yaml:"url"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	MaxRetries int    `yaml:"max_retries"`
	PoolSize   int    `yaml:"pool_size"`
}

// CacheConfig holds in-process definition cache settings
type CacheConfig struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

// ExportConfig holds the S3 stats export settings. Disabled unless a bucket
// is configured.
type ExportConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// SchedulerConfig holds the background job schedules
type SchedulerConfig struct {
	SweepSchedule  string        `yaml:"sweep_schedule"`
	ExportSchedule string        `yaml:"export_schedule"`
	JobTimeout     time.Duration `yaml:"job_timeout"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel           string `yaml:"log_level"`
	MetricsEnabled     bool   `yaml:"metrics_enabled"`
	OTelEnabled        bool   `yaml:"otel_enabled"`
	OTelEndpoint       string `yaml:"otel_endpoint"`
	OTelServiceName    string `yaml:"otel_service_name"`
	OTelServiceVersion string `yaml:"otel_service_version"`
	OTelInsecure       bool   `yaml:"otel_insecure"`
}

// LoadConfig builds the configuration: defaults, then the YAML file named by
// RELAY_CONFIG_FILE (if any), then environment variables
func LoadConfig() (*Config, error) {
	cfg := defaultConfig()

	if path := os.Getenv("RELAY_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      "9090",
		},
		Database: DatabaseConfig{
			URL:         "postgres://localhost/relay?sslmode=disable",
			MaxConns:    25,
			MinConns:    5,
			Timeout:     10 * time.Second,
			MaxLifetime: 30 * time.Minute,
			MaxIdleTime: 5 * time.Minute,
		},
		Cache: CacheConfig{
			Size: 1024,
			TTL:  time.Minute,
		},
		Export: ExportConfig{
			Region: "us-east-1",
		},
		Scheduler: SchedulerConfig{
			SweepSchedule:  "* * * * *",
			ExportSchedule: "5 0 * * *",
			JobTimeout:     5 * time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "relay",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Server.Host = getEnv("RELAY_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnv("RELAY_PORT", cfg.Server.Port)
	cfg.Server.ReadTimeout = getEnvDuration("RELAY_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getEnvDuration("RELAY_WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.IdleTimeout = getEnvDuration("RELAY_IDLE_TIMEOUT", cfg.Server.IdleTimeout)
	cfg.Server.ShutdownTimeout = getEnvDuration("RELAY_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)
	cfg.Server.HealthPort = getEnv("RELAY_HEALTH_PORT", cfg.Server.HealthPort)

	cfg.Database.URL = getEnv("RELAY_POSTGRES_URL", cfg.Database.URL)
	cfg.Database.ReplicaURLs = getEnv("RELAY_POSTGRES_REPLICA_URLS", cfg.Database.ReplicaURLs)
	cfg.Database.MaxConns = getEnvInt("RELAY_POSTGRES_MAX_CONNS", cfg.Database.MaxConns)
	cfg.Database.MinConns = getEnvInt("RELAY_POSTGRES_MIN_CONNS", cfg.Database.MinConns)
	cfg.Database.Timeout = getEnvDuration("RELAY_POSTGRES_TIMEOUT", cfg.Database.Timeout)
	cfg.Database.MaxLifetime = getEnvDuration("RELAY_POSTGRES_MAX_LIFETIME", cfg.Database.MaxLifetime)
	cfg.Database.MaxIdleTime = getEnvDuration("RELAY_POSTGRES_MAX_IDLE_TIME", cfg.Database.MaxIdleTime)

	cfg.Redis.URL = getEnv("RELAY_REDIS_URL", cfg.Redis.URL)
	cfg.Redis.Password = getEnv("RELAY_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("RELAY_REDIS_DB", cfg.Redis.DB)
	cfg.Redis.MaxRetries = getEnvInt("RELAY_REDIS_MAX_RETRIES", cfg.Redis.MaxRetries)
	cfg.Redis.PoolSize = getEnvInt("RELAY_REDIS_POOL_SIZE", cfg.Redis.PoolSize)

	cfg.Cache.Size = getEnvInt("RELAY_CACHE_SIZE", cfg.Cache.Size)
	cfg.Cache.TTL = getEnvDuration("RELAY_CACHE_TTL", cfg.Cache.TTL)

	cfg.Export.Enabled = getEnvBool("RELAY_EXPORT_ENABLED", cfg.Export.Enabled)
	cfg.Export.Bucket = getEnv("RELAY_EXPORT_BUCKET", cfg.Export.Bucket)
	cfg.Export.Region = getEnv("RELAY_EXPORT_REGION", cfg.Export.Region)
	cfg.Export.Endpoint = getEnv("RELAY_EXPORT_ENDPOINT", cfg.Export.Endpoint)
	cfg.Export.AccessKey = getEnv("RELAY_EXPORT_ACCESS_KEY", cfg.Export.AccessKey)
	cfg.Export.SecretKey = getEnv("RELAY_EXPORT_SECRET_KEY", cfg.Export.SecretKey)
	cfg.Export.UsePathStyle = getEnvBool("RELAY_EXPORT_USE_PATH_STYLE", cfg.Export.UsePathStyle)

	cfg.Scheduler.SweepSchedule = getEnv("RELAY_SWEEP_SCHEDULE", cfg.Scheduler.SweepSchedule)
	cfg.Scheduler.ExportSchedule = getEnv("RELAY_EXPORT_SCHEDULE", cfg.Scheduler.ExportSchedule)
	cfg.Scheduler.JobTimeout = getEnvDuration("RELAY_JOB_TIMEOUT", cfg.Scheduler.JobTimeout)

	cfg.Observability.LogLevel = getEnv("RELAY_LOG_LEVEL", cfg.Observability.LogLevel)
	cfg.Observability.MetricsEnabled = getEnvBool("RELAY_METRICS_ENABLED", cfg.Observability.MetricsEnabled)
	cfg.Observability.OTelEnabled = getEnvBool("RELAY_OTEL_ENABLED", cfg.Observability.OTelEnabled)
	cfg.Observability.OTelEndpoint = getEnv("RELAY_OTEL_ENDPOINT", cfg.Observability.OTelEndpoint)
	cfg.Observability.OTelServiceName = getEnv("RELAY_OTEL_SERVICE_NAME", cfg.Observability.OTelServiceName)
	cfg.Observability.OTelServiceVersion = getEnv("RELAY_OTEL_SERVICE_VERSION", cfg.Observability.OTelServiceVersion)
	cfg.Observability.OTelInsecure = getEnvBool("RELAY_OTEL_INSECURE", cfg.Observability.OTelInsecure)
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

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	if c.Export.Enabled && c.Export.Bucket == "" {
		return fmt.Errorf("export bucket is required when export is enabled")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// ParseLogLevel parses the configured log level string
func (c *ObservabilityConfig) ParseLogLevel() observability.LogLevel {
	switch strings.ToLower(c.LogLevel) {
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
