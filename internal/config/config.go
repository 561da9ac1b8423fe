package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port           string
	Env            string
	LogLevel       string
	DatabaseURL    string
	UseMemoryQueue bool
	WorkerCount    int

	WhatsAppAccessToken    string
	WhatsAppPhoneNumberID  string
	WhatsAppBusinessNumber string
	WhatsAppAppSecret      string
	WhatsAppVerifyToken    string
	WhatsAppAPIBaseURL     string

	ReplyMaxAttempts     int
	ReplyRetryBaseDelay  time.Duration
	ReplyGeneratorBudget time.Duration
	QuestionRepeatWindow time.Duration
	WorkerPollInterval   time.Duration

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	ReplyQueueURL       string
	BedrockModelID      string

	GeminiAPIKey string
	GeminiModel  string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		UseMemoryQueue: getEnvAsBool("USE_MEMORY_QUEUE", false),
		WorkerCount:    getEnvAsInt("WORKER_COUNT", 2),

		WhatsAppAccessToken:    getEnv("WHATSAPP_ACCESS_TOKEN", ""),
		WhatsAppPhoneNumberID:  getEnv("WHATSAPP_PHONE_NUMBER_ID", ""),
		WhatsAppBusinessNumber: getEnv("WHATSAPP_BUSINESS_NUMBER", ""),
		WhatsAppAppSecret:      getEnv("WHATSAPP_APP_SECRET", ""),
		WhatsAppVerifyToken:    getEnv("WHATSAPP_VERIFY_TOKEN", ""),
		WhatsAppAPIBaseURL:     getEnv("WHATSAPP_API_BASE_URL", "https://graph.facebook.com/v23.0"),

		ReplyMaxAttempts:     getEnvAsInt("REPLY_MAX_ATTEMPTS", 3),
		ReplyRetryBaseDelay:  getEnvAsDuration("REPLY_RETRY_BASE_DELAY", 30*time.Second),
		ReplyGeneratorBudget: getEnvAsDuration("REPLY_GENERATOR_BUDGET", 4*time.Second),
		QuestionRepeatWindow: getEnvAsDuration("QUESTION_REPEAT_WINDOW", 30*time.Minute),
		WorkerPollInterval:   getEnvAsDuration("WORKER_POLL_INTERVAL", 2*time.Second),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		ReplyQueueURL:       getEnv("REPLY_QUEUE_URL", ""),
		BedrockModelID:      getEnv("BEDROCK_MODEL_ID", ""),

		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
		GeminiModel:  getEnv("GEMINI_MODEL", "gemini-1.5-flash"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),
	}
}

// SecretSource resolves provider secrets for webhook verification. Callers
// depend only on "give me the current secret", not on where it came from.
type SecretSource interface {
	AppSecret(provider string) string
	VerifyToken(provider string) string
}

// EnvSecretSource resolves secrets with an explicit precedence: a
// provider-scoped environment variable first, then the static values loaded
// at startup.
type EnvSecretSource struct {
	appSecret   string
	verifyToken string
}

func NewEnvSecretSource(cfg *Config) *EnvSecretSource {
	return &EnvSecretSource{
		appSecret:   cfg.WhatsAppAppSecret,
		verifyToken: cfg.WhatsAppVerifyToken,
	}
}

func (s *EnvSecretSource) AppSecret(provider string) string {
	if v := os.Getenv(strings.ToUpper(provider) + "_APP_SECRET"); v != "" {
		return v
	}
	return s.appSecret
}

func (s *EnvSecretSource) VerifyToken(provider string) string {
	if v := os.Getenv(strings.ToUpper(provider) + "_VERIFY_TOKEN"); v != "" {
		return v
	}
	return s.verifyToken
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
