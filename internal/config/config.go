package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port           string
	AllowedOrigins []string
	AdminToken     string
	UpstreamURL    string
	LogLevel       string
	LogFormat      string
	Redis          RedisConfig
	RateLimit      RateLimitConfig
	MemoryStore    MemoryStoreConfig
	// Warnings lists values that could not be parsed and fell back to defaults
	Warnings []string
}

// RedisConfig holds the shared state store credentials and pool tuning
type RedisConfig struct {
	URL          string
	Token        string
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	RetryDelay   time.Duration
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolTimeout  time.Duration
}

// Configured reports whether both store credentials are present
func (r RedisConfig) Configured() bool {
	return r.URL != "" && r.Token != ""
}

type RateLimitConfig struct {
	Enabled          bool
	FailOpen         bool
	EmergencyEnabled bool
	MaxContentLength int64
	PolicyFile       string
}

type MemoryStoreConfig struct {
	MaxEntries    int
	SweepInterval time.Duration
}

// Load reads the environment, after an optional .env file. Problems are
// collected in Warnings since logging is configured from the result.
func Load() *Config {
	var e env
	// .env is optional; a missing file only means the process environment is used
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		e.warnf("error loading .env file: %v", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "*"
	}
	origins := strings.Split(allowedOrigins, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}

	cfg := &Config{
		Port:           port,
		AllowedOrigins: origins,
		AdminToken:     os.Getenv("ADMIN_TOKEN"),
		UpstreamURL:    os.Getenv("UPSTREAM_URL"),
		LogLevel:       e.string("LOG_LEVEL", "info"),
		LogFormat:      e.string("LOG_FORMAT", "json"),
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			Token:        os.Getenv("REDIS_TOKEN"),
			PoolSize:     e.int("REDIS_POOL_SIZE", 10),
			MinIdleConns: e.int("REDIS_MIN_IDLE_CONNS", 2),
			MaxRetries:   e.int("REDIS_MAX_RETRIES", 3),
			RetryDelay:   e.duration("REDIS_RETRY_DELAY", 100*time.Millisecond),
			DialTimeout:  e.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  e.duration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: e.duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			PoolTimeout:  e.duration("REDIS_POOL_TIMEOUT", 4*time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:          e.bool("RATE_LIMIT_ENABLED", true),
			FailOpen:         e.bool("RATE_LIMIT_FAIL_OPEN", true),
			EmergencyEnabled: e.bool("EMERGENCY_RATE_LIMIT", false),
			MaxContentLength: int64(e.int("RATE_LIMIT_MAX_CONTENT_LENGTH", 10*1024*1024)),
			PolicyFile:       os.Getenv("RATE_LIMIT_POLICY_FILE"),
		},
		MemoryStore: MemoryStoreConfig{
			MaxEntries:    e.int("MEMORY_STORE_MAX_ENTRIES", 10000),
			SweepInterval: e.duration("MEMORY_STORE_SWEEP_INTERVAL", time.Minute),
		},
	}
	cfg.Warnings = e.warnings
	return cfg
}

type env struct {
	warnings []string
}

func (e *env) warnf(format string, args ...interface{}) {
	e.warnings = append(e.warnings, fmt.Sprintf(format, args...))
}

func (e *env) string(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func (e *env) int(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
		e.warnf("invalid integer for %s: %q, using %d", key, val, fallback)
	}
	return fallback
}

func (e *env) bool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
		e.warnf("invalid boolean for %s: %q, using %t", key, val, fallback)
	}
	return fallback
}

func (e *env) duration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		e.warnf("invalid duration for %s: %q, using %v", key, val, fallback)
	}
	return fallback
}
