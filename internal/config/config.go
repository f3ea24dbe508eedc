// Package config provides environment configuration for the API server.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// JWT settings
	JWTSecret string

	// WhatsApp transport settings
	TransportProvider   string // cloudapi or evolution
	CloudAPIBaseURL     string
	CloudAPIToken       string
	CloudAPIPhoneID     string
	EvolutionBaseURL    string
	EvolutionAPIKey     string
	EvolutionInstance   string
	WebhookVerifyToken  string

	// AI responder settings
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultLLM      string
	AIResponder     bool

	// Timeline settings
	PageSize       int
	WindowInterval time.Duration

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// WhatsApp transport
		TransportProvider:  getEnv("TRANSPORT_PROVIDER", "cloudapi"),
		CloudAPIBaseURL:    getEnv("CLOUDAPI_BASE_URL", "https://graph.facebook.com/v19.0"),
		CloudAPIToken:      getEnv("CLOUDAPI_TOKEN", ""),
		CloudAPIPhoneID:    getEnv("CLOUDAPI_PHONE_ID", ""),
		EvolutionBaseURL:   getEnv("EVOLUTION_BASE_URL", "http://localhost:8081"),
		EvolutionAPIKey:    getEnv("EVOLUTION_API_KEY", ""),
		EvolutionInstance:  getEnv("EVOLUTION_INSTANCE", "default"),
		WebhookVerifyToken: getEnv("WEBHOOK_VERIFY_TOKEN", ""),

		// AI responder
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:      getEnv("DEFAULT_LLM", "anthropic"),
		AIResponder:     getBoolEnv("AI_RESPONDER", true),

		// Timeline
		PageSize:       getIntEnv("PAGE_SIZE", 50),
		WindowInterval: getDurationEnv("WINDOW_CHECK_INTERVAL", time.Minute),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
