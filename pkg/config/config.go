package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	JWT        JWTConfig
	Dispatcher DispatcherConfig
	Webhook    WebhookConfig
	Log        LogConfig
	Metrics    MetricsConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port string
	Env  string
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	LogLevel        string
}

// JWTConfig holds admin authentication configuration
type JWTConfig struct {
	SigningKey     string
	ExpirationTime time.Duration
}

// DispatcherConfig holds webhook dispatcher worker configuration
type DispatcherConfig struct {
	Interval    time.Duration
	FetchLimit  int
	BatchSize   int
	MaxAttempts int
	HTTPTimeout time.Duration
}

// WebhookConfig holds outbound webhook configuration
type WebhookConfig struct {
	ResponseBodyLimit int
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string
}

// MetricsConfig holds metrics-related configuration
type MetricsConfig struct {
	Prefix string
}

// Load loads the application configuration from environment variables
func Load() (*Config, error) {
	// Load environment variables from .env file if it exists
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8086"),
			Env:  getEnv("APP_ENV", "development"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "postgres"),
			Name:            getEnv("DB_NAME", "integration_db"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 1*time.Hour),
			LogLevel:        getEnv("DB_LOG_LEVEL", "info"),
		},
		JWT: JWTConfig{
			SigningKey:     getEnv("JWT_SIGNING_KEY", "integrationservicesecretkey"),
			ExpirationTime: getEnvAsDuration("JWT_EXPIRATION_TIME", 24*time.Hour),
		},
		Dispatcher: DispatcherConfig{
			Interval:    getEnvAsDuration("DISPATCHER_INTERVAL", 10*time.Second),
			FetchLimit:  getEnvAsInt("DISPATCHER_FETCH_LIMIT", 50),
			BatchSize:   getEnvAsInt("DISPATCHER_BATCH_SIZE", 10),
			MaxAttempts: getEnvAsInt("DISPATCHER_MAX_ATTEMPTS", 5),
			HTTPTimeout: getEnvAsDuration("DISPATCHER_HTTP_TIMEOUT", 30*time.Second),
		},
		Webhook: WebhookConfig{
			ResponseBodyLimit: getEnvAsInt("WEBHOOK_RESPONSE_BODY_LIMIT", 1000),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Metrics: MetricsConfig{
			Prefix: getEnv("METRICS_PREFIX", "integration"),
		},
	}, nil
}

// Helper functions to get environment variables with defaults
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
