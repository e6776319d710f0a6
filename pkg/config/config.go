package config

import (
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

type Config struct {
	Port       string
	LogLevel   string
	InstanceID string

	StoreBackend string
	RedisURL     string
	SQLitePath   string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	AutomationDefaultDelaySeconds int
	AutomationHistoryLimit        int
	GenerationTimeoutMS           int64
	FallbackReply                 string
	DefaultSystemPrompt           string

	ClientBackoffBaseMS int64
	ClientBackoffMaxMS  int64
	WSSendBuffer        int
	SweepIntervalMS     int64
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present.
func Load() *Config {
	_ = godotenv.Load()

	config := &Config{
		Port:       getEnv("PORT", "8080"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		InstanceID: getEnv("INSTANCE_ID", generateInstanceID()),

		StoreBackend: getEnv("STORE_BACKEND", "memory"),
		RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379"),
		SQLitePath:   getEnv("SQLITE_PATH", "./data/relay.db"),

		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),

		AutomationDefaultDelaySeconds: getEnvInt("AUTOMATION_DEFAULT_DELAY_SECONDS", 3),
		AutomationHistoryLimit:        getEnvInt("AUTOMATION_HISTORY_LIMIT", 10),
		GenerationTimeoutMS:           getEnvInt64("GENERATION_TIMEOUT_MS", 30000),
		FallbackReply:                 getEnv("AUTOMATION_FALLBACK_REPLY", "Sorry, I'm having trouble answering right now. A member of our team will get back to you shortly."),
		DefaultSystemPrompt:           getEnv("DEFAULT_SYSTEM_PROMPT", "You are a friendly and concise customer support agent. Answer the customer's latest message helpfully."),

		ClientBackoffBaseMS: getEnvInt64("CLIENT_BACKOFF_BASE_MS", 1000),
		ClientBackoffMaxMS:  getEnvInt64("CLIENT_BACKOFF_MAX_MS", 30000),
		WSSendBuffer:        getEnvInt("WS_SEND_BUFFER", 64),
		SweepIntervalMS:     getEnvInt64("SWEEP_INTERVAL_MS", 60000),
	}

	return config
}

func (c *Config) GenerationTimeout() time.Duration {
	return time.Duration(c.GenerationTimeoutMS) * time.Millisecond
}

func (c *Config) ClientBackoffBase() time.Duration {
	return time.Duration(c.ClientBackoffBaseMS) * time.Millisecond
}

func (c *Config) ClientBackoffMax() time.Duration {
	return time.Duration(c.ClientBackoffMaxMS) * time.Millisecond
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMS) * time.Millisecond
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func generateInstanceID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return uuid.New().String()
	}
	return hostname + "-" + uuid.New().String()[:8]
}
