package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port             string
	DatabaseURL      string
	ServiceJWTSecret string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURI  string

	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftRedirectURI  string
	MicrosoftWebhookURL   string

	// Gmail push notifications arrive on a Pub/Sub topic.
	GoogleProjectID   string
	GooglePubSubTopic string
	GoogleCredentials string

	// Shared secret appended to push endpoints as ?token=...
	WebhookVerificationToken string

	// Cloud KMS key used to wrap tenant DEKs. When empty, the local
	// key manager derived from KMSLocalMasterKey is used instead.
	KMSKeyName        string
	KMSLocalMasterKey string
	DEKCacheTTL       time.Duration

	WorkerCount      int
	JobMaxAttempts   int
	JobLeaseDuration time.Duration
	JobMaxDuration   time.Duration
	SyncInterval     time.Duration
	SyncStaleAfter   time.Duration
}

func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	return &Config{
		Port:             getEnv("PORT", "8080"),
		DatabaseURL:      getEnv("DATABASE_URL", "host=localhost user=postgres password=postgres dbname=leadflow port=5432 sslmode=disable"),
		ServiceJWTSecret: getEnv("SERVICE_JWT_SECRET", "your-secret-key-change-in-production"),

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURI:  getEnv("GOOGLE_REDIRECT_URI", "http://localhost:8080/api/accounts/google/callback"),

		MicrosoftClientID:     getEnv("MICROSOFT_CLIENT_ID", ""),
		MicrosoftClientSecret: getEnv("MICROSOFT_CLIENT_SECRET", ""),
		MicrosoftRedirectURI:  getEnv("MICROSOFT_REDIRECT_URI", "http://localhost:8080/api/accounts/microsoft/callback"),
		MicrosoftWebhookURL:   getEnv("MICROSOFT_WEBHOOK_URL", ""),

		GoogleProjectID:   getEnv("GOOGLE_PROJECT_ID", ""),
		GooglePubSubTopic: getEnv("GOOGLE_PUBSUB_TOPIC", "gmail-updates"),
		GoogleCredentials: getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),

		WebhookVerificationToken: getEnv("WEBHOOK_VERIFICATION_TOKEN", ""),

		KMSKeyName:        getEnv("KMS_KEY_NAME", ""),
		KMSLocalMasterKey: getEnv("KMS_LOCAL_MASTER_KEY", ""),
		DEKCacheTTL:       getDurationEnv("DEK_CACHE_TTL", 30*time.Second),

		WorkerCount:      getIntEnv("SYNC_WORKER_COUNT", 4),
		JobMaxAttempts:   getIntEnv("SYNC_JOB_MAX_ATTEMPTS", 5),
		JobLeaseDuration: getDurationEnv("SYNC_JOB_LEASE", 10*time.Minute),
		JobMaxDuration:   getDurationEnv("SYNC_JOB_MAX_DURATION", 8*time.Minute),
		SyncInterval:     getDurationEnv("SYNC_SUPERVISOR_INTERVAL", 2*time.Hour),
		SyncStaleAfter:   getDurationEnv("SYNC_STALE_AFTER", 6*time.Hour),
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
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
