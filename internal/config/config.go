package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string
	LogLevel      string

	// Queue fabric
	UseMemoryQueue      bool
	WorkerCount         int
	QueueURLPrefix      string
	MaxDeliveryAttempts int
	StageHandleTimeout  time.Duration

	// AWS / LocalStack
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	// DynamoDB tables
	IntakeTable     string
	CredentialTable string

	// Postgres audit trail
	DatabaseURL string

	// Redis credential cache
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// athenahealth-style scheduling API
	AthenaBaseURL      string
	AthenaPracticeID   string
	AthenaDepartmentID string
	AthenaTimeout      time.Duration

	// OAuth identity provider
	TokenURL          string
	TokenClientID     string
	TokenClientSecret string
	TokenScope        string
	TokenRefreshEvery time.Duration
	TokenExpiryBuffer time.Duration

	// Reconciler
	ReconcileInterval    time.Duration
	StuckAfter           time.Duration
	ReconcilerMaxRetries int

	// Notifications
	EmailProvider   string
	SESFromEmail    string
	SESFromName     string
	SendGridAPIKey  string
	SendGridFrom    string
	AlertRecipients string

	// Admin API
	AdminJWTSecret string

	CORSAllowedOrigins string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		UseMemoryQueue:      getEnvAsBool("USE_MEMORY_QUEUE", false),
		WorkerCount:         getEnvAsInt("WORKER_COUNT", 2),
		QueueURLPrefix:      getEnv("QUEUE_URL_PREFIX", ""),
		MaxDeliveryAttempts: getEnvAsInt("MAX_DELIVERY_ATTEMPTS", 5),
		StageHandleTimeout:  getEnvAsDuration("STAGE_HANDLE_TIMEOUT", 25*time.Second),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		IntakeTable:     getEnv("INTAKE_TABLE", "intake_records"),
		CredentialTable: getEnv("CREDENTIAL_TABLE", "api_credentials"),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		AthenaBaseURL:      getEnv("ATHENA_BASE_URL", ""),
		AthenaPracticeID:   getEnv("ATHENA_PRACTICE_ID", ""),
		AthenaDepartmentID: getEnv("ATHENA_DEPARTMENT_ID", ""),
		AthenaTimeout:      getEnvAsDuration("ATHENA_TIMEOUT", 30*time.Second),

		TokenURL:          getEnv("TOKEN_URL", ""),
		TokenClientID:     getEnv("TOKEN_CLIENT_ID", ""),
		TokenClientSecret: getEnv("TOKEN_CLIENT_SECRET", ""),
		TokenScope:        getEnv("TOKEN_SCOPE", ""),
		TokenRefreshEvery: getEnvAsDuration("TOKEN_REFRESH_EVERY", 30*time.Minute),
		TokenExpiryBuffer: getEnvAsDuration("TOKEN_EXPIRY_BUFFER", 10*time.Minute),

		ReconcileInterval:    getEnvAsDuration("RECONCILE_INTERVAL", 15*time.Minute),
		StuckAfter:           getEnvAsDuration("STUCK_AFTER", 15*time.Minute),
		ReconcilerMaxRetries: getEnvAsInt("RECONCILER_MAX_RETRIES", 5),

		EmailProvider:   strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", "ses"))),
		SESFromEmail:    getEnv("SES_FROM_EMAIL", ""),
		SESFromName:     getEnv("SES_FROM_NAME", "CareBridge Intake"),
		SendGridAPIKey:  getEnv("SENDGRID_API_KEY", ""),
		SendGridFrom:    getEnv("SENDGRID_FROM_EMAIL", ""),
		AlertRecipients: getEnv("ALERT_RECIPIENTS", ""),

		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),
	}
}

// AlertRecipientList splits the comma-separated ALERT_RECIPIENTS value.
func (c *Config) AlertRecipientList() []string {
	raw := strings.TrimSpace(c.AlertRecipients)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// CORSOriginList splits the comma-separated CORS_ALLOWED_ORIGINS value.
func (c *Config) CORSOriginList() []string {
	raw := strings.TrimSpace(c.CORSAllowedOrigins)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
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
