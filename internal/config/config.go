package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	ServerPort      string
	ServerHost      string
	Environment     string // "development" or "production"
	ShutdownTimeout time.Duration
	CORSOrigins     []string

	// Database
	DatabaseURL  string
	DatabaseType string // "postgres" or "sqlite"

	// JWT
	JWTSecret     string
	JWTExpiration int // hours

	// Admin identity
	AdminEmail        string
	AdminPasswordHash string // bcrypt

	// Signing
	SigningTokenTTL time.Duration

	// Email
	SMTPHost      string
	SMTPPort      int
	SMTPUser      string
	SMTPPassword  string
	FromEmail     string
	NotifyTimeout time.Duration

	// App
	AppURL   string
	AppName  string
	LogLevel string
}

// Load reads the process environment once at startup. A .env file in the
// working directory is honoured when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		// Server
		ServerPort:      getEnv("SERVER_PORT", "8080"),
		ServerHost:      getEnv("SERVER_HOST", "0.0.0.0"),
		Environment:     getEnv("APP_ENV", "development"),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		CORSOrigins:     getEnvList("CORS_ORIGINS", nil),

		// Database
		DatabaseURL:  getEnv("DATABASE_URL", "contracts.db"),
		DatabaseType: getEnv("DATABASE_TYPE", "sqlite"),

		// JWT
		JWTSecret:     getEnv("JWT_SECRET", "your-super-secret-key-change-in-production"),
		JWTExpiration: getEnvInt("JWT_EXPIRATION", 12),

		// Admin identity
		AdminEmail:        getEnv("ADMIN_EMAIL", "admin@speakerdesk.io"),
		AdminPasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),

		// Signing
		SigningTokenTTL: getEnvDuration("SIGNING_TOKEN_TTL", 21*24*time.Hour),

		// Email
		SMTPHost:      getEnv("SMTP_HOST", ""),
		SMTPPort:      getEnvInt("SMTP_PORT", 587),
		SMTPUser:      getEnv("SMTP_USER", ""),
		SMTPPassword:  getEnv("SMTP_PASSWORD", ""),
		FromEmail:     getEnv("FROM_EMAIL", "contracts@speakerdesk.io"),
		NotifyTimeout: getEnvDuration("NOTIFY_TIMEOUT", 10*time.Second),

		// App
		AppURL:   getEnv("APP_URL", "http://localhost:8080"),
		AppName:  getEnv("APP_NAME", "SpeakerDesk"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

const defaultJWTSecret = "your-super-secret-key-change-in-production"

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Validate rejects configurations the engine cannot run safely with.
func (c *Config) Validate() error {
	var errs []error
	switch c.DatabaseType {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("DATABASE_TYPE %q is not supported", c.DatabaseType))
	}
	if c.JWTSecret == "" || (c.IsProduction() && c.JWTSecret == defaultJWTSecret) {
		errs = append(errs, errors.New("JWT_SECRET must be set"))
	}
	if c.SigningTokenTTL <= 0 {
		errs = append(errs, errors.New("SIGNING_TOKEN_TTL must be positive"))
	}
	if c.NotifyTimeout <= 0 {
		errs = append(errs, errors.New("NOTIFY_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
