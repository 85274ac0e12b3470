package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration, loaded once at process start.
type Config struct {
	Port               string
	Env                string
	PublicBaseURL      string
	LogLevel           string
	CORSAllowedOrigins []string
	DatabaseURL        string

	// RIS integration engine
	RISBaseURL    string
	RISAPIKey     string
	RISTimeout    time.Duration
	RISMaxRetries int
	RISBaseDelay  time.Duration
	RISMaxDelay   time.Duration

	// Telnyx SMS gateway
	TelnyxAPIKey             string
	TelnyxMessagingProfileID string
	TelnyxWebhookSecret      string
	TelnyxFromNumber         string
	TelnyxTimeout            time.Duration

	// Patient session lifecycle
	SessionTTL             time.Duration
	ConsentTTLDays         int
	MinScheduleLeadHours   int
	RecentContrastLookback time.Duration

	// Stuck-session and expiry monitors
	StuckSessionTimeout   time.Duration
	StuckSessionMaxRetry  int
	StuckSweepInterval    time.Duration
	ExpirySweepInterval   time.Duration
	RetentionSweepInterval time.Duration

	AdminJWTSecret string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Compliance / audit
	AuditRetentionDays int

	// S3 archive (audit log archive-before-purge)
	S3ArchiveBucket string
	S3ArchiveKMSKey string
}

// SMSProviderIssues returns a list of configuration problems that would
// prevent SMS from working. An empty slice means the Telnyx provider is
// fully configured. Intended for startup diagnostics — if the returned list
// is non-empty, outbound scheduling SMS will silently fail.
func (c *Config) SMSProviderIssues() []string {
	var issues []string
	if c.TelnyxAPIKey == "" || c.TelnyxMessagingProfileID == "" {
		issues = append(issues, "no SMS provider configured: need TELNYX_API_KEY and TELNYX_MESSAGING_PROFILE_ID")
	}
	if c.TelnyxFromNumber == "" {
		issues = append(issues, "TELNYX_FROM_NUMBER is empty — outbound SMS will fail")
	}
	return issues
}

// RISIssues returns configuration problems that would prevent the RIS
// integration engine client from being usable.
func (c *Config) RISIssues() []string {
	var issues []string
	if c.RISBaseURL == "" {
		issues = append(issues, "RIS_BASE_URL is empty — slot requests and bookings cannot be issued")
	}
	return issues
}

// Load reads configuration from environment variables.
func Load() *Config {
	corsAllowedOrigins := []string{}
	if raw := strings.TrimSpace(getEnv("CORS_ALLOWED_ORIGINS", "")); raw != "" {
		for _, origin := range strings.Split(raw, ",") {
			origin = strings.TrimSpace(origin)
			if origin == "" {
				continue
			}
			corsAllowedOrigins = append(corsAllowedOrigins, origin)
		}
	}

	return &Config{
		Port:               getEnv("PORT", "8080"),
		Env:                getEnv("ENV", "development"),
		PublicBaseURL:      getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		CORSAllowedOrigins: corsAllowedOrigins,
		DatabaseURL:        getEnv("DATABASE_URL", ""),

		RISBaseURL:    getEnv("RIS_BASE_URL", ""),
		RISAPIKey:     getEnv("RIS_API_KEY", ""),
		RISTimeout:    getEnvAsDuration("RIS_TIMEOUT", 5*time.Second),
		RISMaxRetries: getEnvAsInt("RIS_MAX_RETRIES", 3),
		RISBaseDelay:  getEnvAsDuration("RIS_RETRY_BASE_DELAY", 2*time.Second),
		RISMaxDelay:   getEnvAsDuration("RIS_RETRY_MAX_DELAY", 8*time.Second),

		TelnyxAPIKey:             getEnv("TELNYX_API_KEY", ""),
		TelnyxMessagingProfileID: getEnv("TELNYX_MESSAGING_PROFILE_ID", ""),
		TelnyxWebhookSecret:      getEnv("TELNYX_WEBHOOK_SECRET", ""),
		TelnyxFromNumber:         getEnv("TELNYX_FROM_NUMBER", ""),
		TelnyxTimeout:            getEnvAsDuration("TELNYX_TIMEOUT", 5*time.Second),

		SessionTTL:             getEnvAsDuration("SESSION_TTL", 48*time.Hour),
		ConsentTTLDays:         getEnvAsInt("CONSENT_TTL_DAYS", 365),
		MinScheduleLeadHours:   getEnvAsInt("MIN_SCHEDULE_LEAD_HOURS", 24),
		RecentContrastLookback: getEnvAsDuration("RECENT_CONTRAST_LOOKBACK", 7*24*time.Hour),

		StuckSessionTimeout:    getEnvAsDuration("STUCK_SESSION_TIMEOUT", 5*time.Minute),
		StuckSessionMaxRetry:   getEnvAsInt("STUCK_SESSION_MAX_RETRIES", 1),
		StuckSweepInterval:     getEnvAsDuration("STUCK_SWEEP_INTERVAL", 60*time.Second),
		ExpirySweepInterval:    getEnvAsDuration("EXPIRY_SWEEP_INTERVAL", 5*time.Minute),
		RetentionSweepInterval: getEnvAsDuration("RETENTION_SWEEP_INTERVAL", 24*time.Hour),

		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		AuditRetentionDays: getEnvAsInt("AUDIT_RETENTION_DAYS", 2555), // 7 years

		S3ArchiveBucket: getEnv("S3_ARCHIVE_BUCKET", ""),
		S3ArchiveKMSKey: getEnv("S3_ARCHIVE_KMS_KEY", ""),
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
