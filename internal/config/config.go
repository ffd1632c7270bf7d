package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// MaxSessionCleanupInterval keeps the cleanup tick shorter than the store's
// idle-session timeout, since live sessions are only refreshed on that tick.
const MaxSessionCleanupInterval = 30 * time.Minute

type Config struct {
	// Server
	Port        string
	Env         string
	LogLevel    string
	InstanceID  string
	CORSOrigins []string

	// Redis (empty host selects the in-process cache)
	RedisHost     string
	RedisPort     string
	RedisPassword string

	// Store
	StoreDriver string
	DatabaseURL string
	SQLitePath  string

	// Auth
	JWTSecret   string
	AuthTimeout time.Duration

	// Rate limiting
	RateLimitWindow      time.Duration
	RateLimitMaxRequests int

	// Pipeline
	QueueCapacity          int
	SessionCleanupInterval time.Duration
	EventRetention         time.Duration
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	hostname, _ := os.Hostname()

	cfg := &Config{
		Port:        getEnvOrDefault("PORT", "3001"),
		Env:         getEnvOrDefault("ENV", "development"),
		LogLevel:    getEnvOrDefault("LOG_LEVEL", "info"),
		InstanceID:  getEnvOrDefault("INSTANCE_ID", hostname),
		CORSOrigins: splitList(getEnvOrDefault("CORS_ORIGINS", "http://localhost:5173,http://localhost:5174")),

		RedisHost:     getEnvOrDefault("REDIS_HOST", ""),
		RedisPort:     getEnvOrDefault("REDIS_PORT", "6379"),
		RedisPassword: getEnvOrDefault("REDIS_PASSWORD", ""),

		StoreDriver: strings.ToLower(getEnvOrDefault("STORE_DRIVER", "postgres")),
		DatabaseURL: getEnvOrDefault("DATABASE_URL", ""),
		SQLitePath:  getEnvOrDefault("SQLITE_PATH", "realtime.db"),

		JWTSecret:   mustGetEnv("JWT_SECRET"),
		AuthTimeout: time.Duration(getEnvAsIntOrDefault("AUTH_TIMEOUT_SECONDS", 10)) * time.Second,

		RateLimitWindow:      time.Duration(getEnvAsIntOrDefault("RATE_LIMIT_WINDOW_MS", 900000)) * time.Millisecond,
		RateLimitMaxRequests: getEnvAsIntOrDefault("RATE_LIMIT_MAX_REQUESTS", 100),

		QueueCapacity:          getEnvAsIntOrDefault("QUEUE_CAPACITY", 1000),
		SessionCleanupInterval: time.Duration(getEnvAsIntOrDefault("SESSION_CLEANUP_INTERVAL_MINUTES", 15)) * time.Minute,
		EventRetention:         time.Duration(getEnvAsIntOrDefault("EVENT_RETENTION_DAYS", 30)) * 24 * time.Hour,
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = "realtime"
	}

	return cfg
}

// Validate checks combinations that individual env lookups cannot.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER=sqlite")
		}
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("QUEUE_CAPACITY must be positive")
	}
	if c.SessionCleanupInterval >= MaxSessionCleanupInterval {
		return fmt.Errorf("SESSION_CLEANUP_INTERVAL_MINUTES must be below %d", int(MaxSessionCleanupInterval.Minutes()))
	}
	return nil
}

// RedisAddr returns host:port, or "" when no Redis host is configured.
func (c *Config) RedisAddr() string {
	if c.RedisHost == "" {
		return ""
	}
	return c.RedisHost + ":" + c.RedisPort
}

func mustGetEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return val
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
