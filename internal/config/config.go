package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ErrMissingSessionToken is returned when PERPLEXITY_SESSION_TOKEN is not set.
// The token is the gateway's only upstream credential; nothing works without it.
var ErrMissingSessionToken = errors.New(
	"PERPLEXITY_SESSION_TOKEN is required: log in at https://www.perplexity.ai, " +
		"open DevTools -> Application -> Cookies and copy the " +
		"'__Secure-next-auth.session-token' value")

type Config struct {
	Addr         string
	LogLevel     string
	SessionToken string

	// APIKey, when set, enables a bearer-token equality check on every request.
	APIKey string

	RateLimitEnabled  bool
	RequestsPerWindow int
	RateLimitWindow   time.Duration

	ConversationTimeout time.Duration
	MaxConversations    int
	EvictionInterval    time.Duration

	DefaultModel    string
	UpstreamTimeout time.Duration

	RedisURL     string
	OTLPEndpoint string

	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	// Best-effort .env loading, matching local-development expectations.
	_ = godotenv.Load()

	cfg := &Config{
		Addr:                getEnv("ADDR", ":8000"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		SessionToken:        getEnv("PERPLEXITY_SESSION_TOKEN", ""),
		APIKey:              getEnv("API_KEY", ""),
		RateLimitEnabled:    getEnv("ENABLE_RATE_LIMITING", "true") == "true",
		RequestsPerWindow:   getIntEnv("REQUESTS_PER_MINUTE", 60),
		RateLimitWindow:     getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		ConversationTimeout: getDurationEnv("CONVERSATION_TIMEOUT", time.Hour),
		MaxConversations:    getIntEnv("MAX_CONVERSATIONS_PER_USER", 100),
		EvictionInterval:    getDurationEnv("EVICTION_INTERVAL", 5*time.Minute),
		DefaultModel:        getEnv("DEFAULT_MODEL", "perplexity-auto"),
		UpstreamTimeout:     getDurationEnv("UPSTREAM_TIMEOUT", 120*time.Second),
		RedisURL:            getEnv("REDIS_URL", ""),
		OTLPEndpoint:        getEnv("OTLP_ENDPOINT", ""),
		ShutdownTimeout:     getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if cfg.SessionToken == "" {
		return nil, ErrMissingSessionToken
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
