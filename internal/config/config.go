package config

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// Redis (empty host disables Redis)
	RedisHost     string
	RedisPort     int
	RedisPassword string

	// JWT
	JWTSecret      string
	JWTExpireHours int

	// JWTSecretGenerated is set when JWT_SECRET was absent and a random one
	// was created for this process.
	JWTSecretGenerated bool

	// API
	APIPort   int
	RateLimit int

	// Initial admin account, created when no admin exists
	AdminPassword string

	// Logging
	LogLevel  string
	LogFormat string

	// Fleet
	HeartbeatInterval    time.Duration
	NodeHistorySize      int
	BandwidthHistorySize int
	BandwidthBucket      time.Duration

	// Audit
	AuditQueueSize  int
	AuditMaxRetries int

	// Agent dispatch
	AgentTransport  string
	AgentTimeout    time.Duration
	RadiusCoASecret string
	AMQPURL         string

	// Audit archive (FTP)
	ArchiveFTPHost     string
	ArchiveFTPPort     int
	ArchiveFTPUser     string
	ArchiveFTPPassword string
	ArchiveFTPPath     string

	// Warnings collected while loading; logged once the logger exists.
	Warnings []string
}

// generateSecureSecret generates a cryptographically secure random secret
func generateSecureSecret(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return hex.EncodeToString([]byte(os.Getenv("HOSTNAME") + string(rune(length))))
	}
	return hex.EncodeToString(bytes)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "vpnpanel")
	v.SetDefault("DB_NAME", "vpnpanel")

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)

	v.SetDefault("JWT_EXPIRE_HOURS", 168) // 7 days
	v.SetDefault("API_PORT", 8080)
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 100)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("HEARTBEAT_INTERVAL_MS", 30000)
	v.SetDefault("NODE_HISTORY_SIZE", 120)
	v.SetDefault("BANDWIDTH_HISTORY_SIZE", 120)
	v.SetDefault("BANDWIDTH_BUCKET_SECONDS", 30)

	v.SetDefault("AUDIT_QUEUE_SIZE", 1024)
	v.SetDefault("AUDIT_MAX_RETRIES", 5)

	v.SetDefault("AGENT_TRANSPORT", "http")
	v.SetDefault("AGENT_TIMEOUT_SECONDS", 5)

	v.SetDefault("AUDIT_ARCHIVE_FTP_PORT", 21)
	v.SetDefault("AUDIT_ARCHIVE_FTP_PATH", "/audit")
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real environment variables win.
func Load() *Config {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	return fromViper(v)
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{
		DBHost:     v.GetString("DB_HOST"),
		DBPort:     v.GetInt("DB_PORT"),
		DBUser:     v.GetString("DB_USER"),
		DBPassword: v.GetString("DB_PASSWORD"),
		DBName:     v.GetString("DB_NAME"),

		RedisHost:     v.GetString("REDIS_HOST"),
		RedisPort:     v.GetInt("REDIS_PORT"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),

		JWTSecret:      v.GetString("JWT_SECRET"),
		JWTExpireHours: v.GetInt("JWT_EXPIRE_HOURS"),

		APIPort:       v.GetInt("API_PORT"),
		RateLimit:     v.GetInt("RATE_LIMIT_PER_MINUTE"),
		AdminPassword: v.GetString("ADMIN_PASSWORD"),

		LogLevel:  v.GetString("LOG_LEVEL"),
		LogFormat: v.GetString("LOG_FORMAT"),

		HeartbeatInterval:    time.Duration(v.GetInt("HEARTBEAT_INTERVAL_MS")) * time.Millisecond,
		NodeHistorySize:      v.GetInt("NODE_HISTORY_SIZE"),
		BandwidthHistorySize: v.GetInt("BANDWIDTH_HISTORY_SIZE"),
		BandwidthBucket:      time.Duration(v.GetInt("BANDWIDTH_BUCKET_SECONDS")) * time.Second,

		AuditQueueSize:  v.GetInt("AUDIT_QUEUE_SIZE"),
		AuditMaxRetries: v.GetInt("AUDIT_MAX_RETRIES"),

		AgentTransport:  strings.ToLower(v.GetString("AGENT_TRANSPORT")),
		AgentTimeout:    time.Duration(v.GetInt("AGENT_TIMEOUT_SECONDS")) * time.Second,
		RadiusCoASecret: v.GetString("RADIUS_COA_SECRET"),
		AMQPURL:         v.GetString("AMQP_URL"),

		ArchiveFTPHost:     v.GetString("AUDIT_ARCHIVE_FTP_HOST"),
		ArchiveFTPPort:     v.GetInt("AUDIT_ARCHIVE_FTP_PORT"),
		ArchiveFTPUser:     v.GetString("AUDIT_ARCHIVE_FTP_USER"),
		ArchiveFTPPassword: v.GetString("AUDIT_ARCHIVE_FTP_PASSWORD"),
		ArchiveFTPPath:     v.GetString("AUDIT_ARCHIVE_FTP_PATH"),
	}

	if cfg.JWTSecret == "" {
		cfg.JWTSecret = generateSecureSecret(32)
		cfg.JWTSecretGenerated = true
		cfg.Warnings = append(cfg.Warnings, "JWT_SECRET not set - generated random secret. Sessions will not persist across restarts.")
	}
	if cfg.DBPassword == "" {
		cfg.Warnings = append(cfg.Warnings, "DB_PASSWORD not set - this is insecure for production!")
		cfg.DBPassword = "changeme"
	}
	if cfg.RedisHost != "" && cfg.RedisPassword == "" {
		cfg.Warnings = append(cfg.Warnings, "REDIS_PASSWORD not set - Redis is not secured!")
	}
	if cfg.AgentTransport == "coa" && cfg.RadiusCoASecret == "" {
		cfg.Warnings = append(cfg.Warnings, "RADIUS_COA_SECRET not set - CoA kicks will be rejected by nodes")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.BandwidthBucket <= 0 {
		cfg.BandwidthBucket = cfg.HeartbeatInterval
	}

	return cfg
}

// ArchiveEnabled reports whether audit logs are exported over FTP before a clear.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveFTPHost != ""
}

// RedisEnabled reports whether a Redis host is configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisHost != ""
}
