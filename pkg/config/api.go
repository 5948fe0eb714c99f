package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Storage drivers understood by the API.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Transform trigger modes.
const (
	TransformNoop  = "noop"
	TransformHTTP  = "http"
	TransformRedis = "redis"
)

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment   string
	Addr          string
	LogLevel      string
	StorageDriver string
	DatabaseURL   string
	AutoMigrate   bool

	GroqAPIKey            string
	GroqBaseURL           string
	GroqModel             string
	GroqTimeout           time.Duration
	GroqRequestsPerSecond float64

	AugmentEndpoint   string
	AugmentTimeout    time.Duration
	RedTeamConfigJSON string

	CampaignQueueSize    int
	CampaignDrainTimeout time.Duration

	StreamInterval  time.Duration
	StreamWindow    int
	StreamHeartbeat time.Duration
	StreamBuffer    int

	TransformMode     string
	TransformURL      string
	TransformRedisKey string
	TransformTimeout  time.Duration

	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	RateLimitPerMinute int

	IngestToken     string
	CORSAllowOrigin string
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("API_ADDR", ":4000"),
		LogLevel:      GetString("LOG_LEVEL", "info"),
		StorageDriver: strings.ToLower(GetString("STORAGE_DRIVER", StoragePostgres)),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://aicwd:aicwd@db:5432/aicwd?sslmode=disable"),
		AutoMigrate:   GetBool("DB_AUTO_MIGRATE", true),

		GroqAPIKey:            GetString("GROQ_API_KEY", ""),
		GroqBaseURL:           GetString("GROQ_BASE_URL", "https://api.groq.com/openai/v1"),
		GroqModel:             GetString("GROQ_MODEL", "mixtral-8x7b-32768"),
		GroqTimeout:           GetDuration("GROQ_TIMEOUT", 60*time.Second),
		GroqRequestsPerSecond: GetFloat("GROQ_REQUESTS_PER_SECOND", 2),

		AugmentEndpoint:   GetString("DOCKER_MODEL_ENDPOINT", "http://localhost:8000/generate"),
		AugmentTimeout:    GetDuration("AUGMENT_TIMEOUT", 30*time.Second),
		RedTeamConfigJSON: GetString("RED_TEAM_CONFIG_JSON", ""),

		CampaignQueueSize:    GetInt("CAMPAIGN_QUEUE_SIZE", 16),
		CampaignDrainTimeout: GetDuration("CAMPAIGN_DRAIN_TIMEOUT", 2*time.Minute),

		StreamInterval:  GetDuration("STREAM_INTERVAL", 5*time.Second),
		StreamWindow:    GetInt("STREAM_WINDOW", 20),
		StreamHeartbeat: GetDuration("STREAM_HEARTBEAT", 15*time.Second),
		StreamBuffer:    GetInt("STREAM_BUFFER", 8),

		TransformMode:     strings.ToLower(GetString("TRANSFORM_MODE", TransformNoop)),
		TransformURL:      GetString("TRANSFORM_URL", ""),
		TransformRedisKey: GetString("TRANSFORM_REDIS_KEY", "aicwd:transform:jobs"),
		TransformTimeout:  GetDuration("TRANSFORM_TIMEOUT", 10*time.Second),

		RedisAddr:          GetString("REDIS_ADDR", ""),
		RedisPassword:      GetString("REDIS_PASSWORD", ""),
		RedisDB:            GetInt("REDIS_DB", 0),
		RateLimitPerMinute: GetInt("RATE_LIMIT_PER_MINUTE", 120),

		IngestToken:     GetString("INGEST_TOKEN", ""),
		CORSAllowOrigin: GetString("CORS_ALLOW_ORIGIN", "*"),
	}
}

// Error describes one invalid configuration value.
type Error struct {
	Key    string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

// Validate reports every invalid setting joined into one error.
// A missing GROQ_API_KEY is not an error: campaigns fail individually instead.
func (c APIConfig) Validate() error {
	var errs []error
	invalid := func(key, reason string) {
		errs = append(errs, &Error{Key: key, Reason: reason})
	}

	switch c.StorageDriver {
	case StoragePostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			invalid("DATABASE_URL", "required when STORAGE_DRIVER=postgres")
		}
	case StorageMemory:
	default:
		invalid("STORAGE_DRIVER", fmt.Sprintf("unsupported driver %q", c.StorageDriver))
	}
	if c.GroqRequestsPerSecond <= 0 {
		invalid("GROQ_REQUESTS_PER_SECOND", "must be positive")
	}
	if c.CampaignQueueSize <= 0 {
		invalid("CAMPAIGN_QUEUE_SIZE", "must be positive")
	}
	if c.RateLimitPerMinute < 0 {
		invalid("RATE_LIMIT_PER_MINUTE", "must not be negative")
	}
	if c.StreamInterval <= 0 {
		invalid("STREAM_INTERVAL", "must be positive")
	}
	if c.StreamHeartbeat <= 0 {
		invalid("STREAM_HEARTBEAT", "must be positive")
	}
	if c.StreamWindow <= 0 {
		invalid("STREAM_WINDOW", "must be positive")
	}
	if c.StreamBuffer <= 0 {
		invalid("STREAM_BUFFER", "must be positive")
	}
	switch c.TransformMode {
	case TransformNoop:
	case TransformHTTP:
		if strings.TrimSpace(c.TransformURL) == "" {
			invalid("TRANSFORM_URL", "required when TRANSFORM_MODE=http")
		}
	case TransformRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			invalid("REDIS_ADDR", "required when TRANSFORM_MODE=redis")
		}
	default:
		invalid("TRANSFORM_MODE", fmt.Sprintf("unsupported mode %q", c.TransformMode))
	}
	return errors.Join(errs...)
}
