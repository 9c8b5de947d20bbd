package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port        string
	Env         string
	LogLevel    string
	LogFormat   string
	DatabaseURL string

	// Follow-up reminder scheduler
	ScheduleSpec     string
	CronTimezone     string
	TriggerHour      int
	DefaultTimezone  string
	PreviewLimit     int
	WorkerCount      int
	StoreTimeout     time.Duration
	ClinicianTimeout time.Duration
	CommitTimeout    time.Duration

	// Push delivery
	PushProvider       string
	PushRatePerSec     int
	FCMProjectID       string
	FCMCredentialsJSON string
	FCMCredentialsFile string
	PushQueueURL       string
	AMQPURL            string
	AMQPExchange       string
	AMQPRoutingKey     string

	// Optional cross-instance tick lease
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool
	LeaseTTL      time.Duration

	AuthJWTSecret      string
	CORSAllowedOrigins []string
	APIRatePerSec      float64
	APIRateBurst       int

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		ScheduleSpec:     getEnv("FOLLOWUP_SCHEDULE", "*/15 * * * *"),
		CronTimezone:     getEnv("CRON_TZ", "UTC"),
		TriggerHour:      getEnvAsInt("FOLLOWUP_TRIGGER_HOUR", 9),
		DefaultTimezone:  getEnv("FOLLOWUP_DEFAULT_TZ", "UTC"),
		PreviewLimit:     getEnvAsInt("FOLLOWUP_PREVIEW_LIMIT", 5),
		WorkerCount:      getEnvAsInt("FOLLOWUP_WORKERS", 4),
		StoreTimeout:     getEnvAsDuration("FOLLOWUP_STORE_TIMEOUT", 15*time.Second),
		ClinicianTimeout: getEnvAsDuration("FOLLOWUP_CLINICIAN_TIMEOUT", 30*time.Second),
		CommitTimeout:    getEnvAsDuration("FOLLOWUP_COMMIT_TIMEOUT", 10*time.Second),

		PushProvider:       strings.ToLower(strings.TrimSpace(getEnv("PUSH_PROVIDER", "log"))),
		PushRatePerSec:     getEnvAsInt("PUSH_RATE_PER_SEC", 20),
		FCMProjectID:       getEnv("FCM_PROJECT_ID", ""),
		FCMCredentialsJSON: getEnv("FCM_CREDENTIALS_JSON", ""),
		FCMCredentialsFile: getEnv("FCM_CREDENTIALS_FILE", ""),
		PushQueueURL:       getEnv("PUSH_QUEUE_URL", ""),
		AMQPURL:            getEnv("AMQP_URL", ""),
		AMQPExchange:       getEnv("AMQP_EXCHANGE", "push"),
		AMQPRoutingKey:     getEnv("AMQP_ROUTING_KEY", "push.clinician"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),
		LeaseTTL:      getEnvAsDuration("FOLLOWUP_LEASE_TTL", 10*time.Minute),

		AuthJWTSecret:      getEnv("AUTH_JWT_SECRET", ""),
		CORSAllowedOrigins: getEnvAsList("CORS_ORIGINS"),
		APIRatePerSec:      getEnvAsFloat("API_RATE_PER_SEC", 10),
		APIRateBurst:       getEnvAsInt("API_RATE_BURST", 20),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
	}
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma-separated variable, dropping blanks.
func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
