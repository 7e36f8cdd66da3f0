package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App      AppConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Logger   LoggerConfig
	Auth     AuthConfig
	RabbitMQ RabbitMQConfig
	Worker   WorkerConfig
	Cache    CacheConfig
	Queue    QueueConfig
	Ingest   IngestConfig
	Ack      AckConfig
	WhatsApp WhatsAppConfig
	Notify   NotifyConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	MigrationsDir  string
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines bearer token verification for the HTTP API.
type AuthConfig struct {
	JWTSecret     string
	WebhookSecret string
}

// RabbitMQConfig describes the broker the pipeline consumes from.
type RabbitMQConfig struct {
	URL           string
	InboundQueue  string
	StatusQueue   string
	PrefetchCount int
}

// WorkerConfig bounds event processing.
type WorkerConfig struct {
	Concurrency         int
	EventTimeoutSeconds int
}

// CacheConfig shapes the ephemeral per-session message list.
type CacheConfig struct {
	MaxMessages int64
	TTLHours    int
}

// QueueConfig holds routing policy for new sessions.
type QueueConfig struct {
	InitialStatus string
}

// IngestConfig toggles optional pipeline steps.
type IngestConfig struct {
	RefreshProfile        bool
	ProfileCacheTTLMinute int
	SessionResolveRetries int
}

// AckConfig bounds the wait for acks that arrive before their message.
type AckConfig struct {
	RetryAttempts     int
	RetryInitialMilli int
	RetryMaxMilli     int
}

// WhatsAppConfig points at the WhatsApp gateway HTTP API.
type WhatsAppConfig struct {
	BaseURL        string
	APIKey         string
	TimeoutSeconds int
}

// NotifyConfig controls forwarding of lifecycle events to an external webhook.
type NotifyConfig struct {
	WebhookURL     string
	BufferSize     int
	TimeoutSeconds int
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "omnichannel-service"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			MigrationsDir:  getEnv("POSTGRES_MIGRATIONS_DIR", "migrations"),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:  os.Getenv("REDIS_PASSWORD"),
			DB:        redisDB,
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "omni"),
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret:     getEnv("AUTH_JWT_SECRET", "dev-secret"),
			WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		},
		RabbitMQ: RabbitMQConfig{
			URL:           os.Getenv("RABBITMQ_URL"),
			InboundQueue:  getEnv("RABBITMQ_INBOUND_QUEUE", "omni.inbound"),
			StatusQueue:   getEnv("RABBITMQ_STATUS_QUEUE", "omni.status"),
			PrefetchCount: getEnvAsInt("RABBITMQ_PREFETCH", 20),
		},
		Worker: WorkerConfig{
			Concurrency:         getEnvAsInt("WORKER_CONCURRENCY", 8),
			EventTimeoutSeconds: getEnvAsInt("WORKER_EVENT_TIMEOUT_SECONDS", 15),
		},
		Cache: CacheConfig{
			MaxMessages: int64(getEnvAsInt("CACHE_MAX_MESSAGES", 500)),
			TTLHours:    getEnvAsInt("CACHE_TTL_HOURS", 168),
		},
		Queue: QueueConfig{
			InitialStatus: strings.ToUpper(getEnv("QUEUE_INITIAL_STATUS", "BOT")),
		},
		Ingest: IngestConfig{
			RefreshProfile:        getEnvAsBool("INGEST_REFRESH_PROFILE", true),
			ProfileCacheTTLMinute: getEnvAsInt("INGEST_PROFILE_CACHE_TTL_MINUTES", 30),
			SessionResolveRetries: getEnvAsInt("INGEST_SESSION_RESOLVE_RETRIES", 3),
		},
		Ack: AckConfig{
			RetryAttempts:     getEnvAsInt("ACK_RETRY_ATTEMPTS", 3),
			RetryInitialMilli: getEnvAsInt("ACK_RETRY_INITIAL_MS", 250),
			RetryMaxMilli:     getEnvAsInt("ACK_RETRY_MAX_MS", 1000),
		},
		WhatsApp: WhatsAppConfig{
			BaseURL:        os.Getenv("WHATSAPP_GATEWAY_URL"),
			APIKey:         os.Getenv("WHATSAPP_GATEWAY_API_KEY"),
			TimeoutSeconds: getEnvAsInt("WHATSAPP_GATEWAY_TIMEOUT_SECONDS", 10),
		},
		Notify: NotifyConfig{
			WebhookURL:     os.Getenv("NOTIFY_WEBHOOK_URL"),
			BufferSize:     getEnvAsInt("NOTIFY_BUFFER_SIZE", 256),
			TimeoutSeconds: getEnvAsInt("NOTIFY_TIMEOUT_SECONDS", 5),
		},
	}

	if cfg.Queue.InitialStatus != "BOT" && cfg.Queue.InitialStatus != "WAITING" {
		return nil, fmt.Errorf("invalid QUEUE_INITIAL_STATUS %q: must be BOT or WAITING", cfg.Queue.InitialStatus)
	}

	return cfg, nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// EventTimeout returns the per-event processing deadline.
func (w WorkerConfig) EventTimeout() time.Duration {
	if w.EventTimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(w.EventTimeoutSeconds) * time.Second
}

// TTL returns the retention window of cached message lists.
func (c CacheConfig) TTL() time.Duration {
	if c.TTLHours <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(c.TTLHours) * time.Hour
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}
