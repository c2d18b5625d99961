package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	LogLevel    string
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	HTTP        HTTPConfig
	Mail        MailConfig
	Notify      NotifyConfig
}

// Storage backends
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Backend string
	URL     string
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	URL               string
	UpdateExchange    string
	UpdateQueue       string
	UpdateRoutingKey  string
	OutcomeExchange   string
	OutcomeRoutingKey string
	DLQQueue          string
	PrefetchCount     int
}

// HTTPConfig holds the API server settings
type HTTPConfig struct {
	Port      int
	JWTSecret string
}

// MailConfig holds email delivery settings.
// URL is a shoutrrr smtp:// service URL without recipients.
type MailConfig struct {
	URL          string
	From         string
	DashboardURL string
	Timeout      time.Duration
}

// NotifyConfig holds notification engine settings
type NotifyConfig struct {
	DefaultCooldownHours  int
	MaxConcurrentDispatch int
	HistoryDefaultLimit   int
	HistoryMaxLimit       int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := fromEnv()

	// Validate required fields
	switch cfg.Database.Backend {
	case BackendPostgres:
		if cfg.Database.URL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
		}
	case BackendMemory:
	default:
		return nil, fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", BackendPostgres, BackendMemory, cfg.Database.Backend)
	}
	if cfg.RabbitMQ.URL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}
	if cfg.HTTP.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required but not set in environment variables")
	}
	if err := validateNotify(cfg); err != nil {
		return nil, err
	}
	if cfg.Notify.HistoryDefaultLimit < 1 || cfg.Notify.HistoryMaxLimit < cfg.Notify.HistoryDefaultLimit {
		return nil, fmt.Errorf("NOTIFY_HISTORY_DEFAULT_LIMIT must be between 1 and NOTIFY_HISTORY_MAX_LIMIT")
	}

	return cfg, nil
}

// LoadForUpdates loads the configuration used by one-off KPI updates: the
// database and mail settings, without the broker or the HTTP API
func LoadForUpdates() (*Config, error) {
	cfg := fromEnv()
	cfg.Database.Backend = BackendPostgres
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if err := validateNotify(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateNotify(cfg *Config) error {
	if cfg.Mail.URL == "" {
		return fmt.Errorf("SMTP_URL is required but not set in environment variables")
	}
	if cfg.Mail.Timeout <= 0 {
		return fmt.Errorf("MAIL_TIMEOUT must be positive, got %s", cfg.Mail.Timeout)
	}
	if cfg.Notify.DefaultCooldownHours < 1 {
		return fmt.Errorf("NOTIFY_DEFAULT_COOLDOWN_HOURS must be at least 1, got %d", cfg.Notify.DefaultCooldownHours)
	}
	return nil
}

func fromEnv() *Config {
	return &Config{
		ServiceName: getEnv("SERVICE_NAME", "kpi-notification-worker"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Database: DatabaseConfig{
			Backend: getEnv("STORAGE_BACKEND", BackendPostgres),
			URL:     getEnv("DATABASE_URL", ""),
		},
		RabbitMQ: RabbitMQConfig{
			URL:               getEnv("RABBITMQ_URL", ""),
			UpdateExchange:    getEnv("RABBITMQ_UPDATE_EXCHANGE", "kpi.updates.exchange"),
			UpdateQueue:       getEnv("RABBITMQ_UPDATE_QUEUE", "kpi.updates.queue"),
			UpdateRoutingKey:  getEnv("RABBITMQ_UPDATE_ROUTING_KEY", "kpi.value.updated"),
			OutcomeExchange:   getEnv("RABBITMQ_OUTCOME_EXCHANGE", "kpi.notifications.exchange"),
			OutcomeRoutingKey: getEnv("RABBITMQ_OUTCOME_ROUTING_KEY", "notification.outcome"),
			DLQQueue:          getEnv("RABBITMQ_DLQ_QUEUE", "kpi.updates.dlq"),
			PrefetchCount:     getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		HTTP: HTTPConfig{
			Port:      getEnvAsInt("HTTP_PORT", 8000),
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		Mail: MailConfig{
			URL:          getEnv("SMTP_URL", ""),
			From:         getEnv("MAIL_FROM", "noreply@careerrise.org"),
			DashboardURL: getEnv("DASHBOARD_URL", "https://dashboard.careerrise.org"),
			Timeout:      getEnvAsDuration("MAIL_TIMEOUT", 10*time.Second),
		},
		Notify: NotifyConfig{
			DefaultCooldownHours:  getEnvAsInt("NOTIFY_DEFAULT_COOLDOWN_HOURS", 24),
			MaxConcurrentDispatch: getEnvAsInt("NOTIFY_MAX_CONCURRENT_DISPATCH", 4),
			HistoryDefaultLimit:   getEnvAsInt("NOTIFY_HISTORY_DEFAULT_LIMIT", 20),
			HistoryMaxLimit:       getEnvAsInt("NOTIFY_HISTORY_MAX_LIMIT", 500),
		},
	}
}

// LoadDatabaseOnly loads just enough configuration for maintenance commands
// that talk to the database and nothing else.
func LoadDatabaseOnly() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "kpi-notification-worker"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Database:    DatabaseConfig{Backend: BackendPostgres, URL: getEnv("DATABASE_URL", "")},
	}
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	return cfg, nil
}

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

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
