package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Store    string // postgres or memory
	Database DatabaseConfig
	Redis    RedisConfig
	AWS      AWSConfig
	Session  SessionConfig
	Sweep    SweepConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all (e.g. http://localhost:3000,http://localhost:3001)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/sessions?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds Redis connection settings. An empty Addr disables the sweep lease and archive queue.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AWSConfig holds credentials and the bucket for session archives. An empty bucket disables archiving.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	ArchiveBucket        string
	PresignExpireMinutes int
}

// SessionConfig holds session code and action mutation settings.
type SessionConfig struct {
	CodeLength              int
	CodeMaxAttempts         int
	MutationMaxRetries      int
	AllowDuplicateActionIDs bool
}

// SweepConfig holds time-margin sweep settings.
type SweepConfig struct {
	Interval  time.Duration
	LeaderKey string
	LeaderTTL time.Duration
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:3001"),
		},
		Store: strings.ToLower(getEnv("STORE_BACKEND", StorePostgres)),
		Database: DatabaseConfig{
			URL:      os.Getenv("DATABASE_URL"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "sessions"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvInt("DB_MAX_CONNS", 0),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ArchiveBucket:        getEnv("AWS_S3_ARCHIVE_BUCKET", ""),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Session: SessionConfig{
			CodeLength:              getEnvInt("SESSION_CODE_LENGTH", 6),
			CodeMaxAttempts:         getEnvInt("SESSION_CODE_MAX_ATTEMPTS", 10),
			MutationMaxRetries:      getEnvInt("MUTATION_MAX_RETRIES", 5),
			AllowDuplicateActionIDs: getEnvBool("ALLOW_DUPLICATE_ACTION_IDS", false),
		},
		Sweep: SweepConfig{
			Interval:  time.Duration(getEnvInt("SWEEP_INTERVAL_MS", 5000)) * time.Millisecond,
			LeaderKey: getEnv("SWEEP_LEADER_KEY", "leader:time_margin_sweep"),
			LeaderTTL: time.Duration(getEnvInt("SWEEP_LEADER_TTL_MS", 15000)) * time.Millisecond,
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ArchivingEnabled reports whether closed sessions should be queued for archiving.
// The archive worker reads sessions from PostgreSQL, so the memory store never archives.
func (c *Config) ArchivingEnabled() bool {
	return c.Store == StorePostgres && c.Redis.Addr != "" && c.AWS.ArchiveBucket != ""
}

func (c *Config) validate() error {
	if c.Store != StorePostgres && c.Store != StoreMemory {
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}
	if c.Session.CodeLength <= 0 {
		return fmt.Errorf("SESSION_CODE_LENGTH must be positive")
	}
	if c.Session.CodeMaxAttempts <= 0 {
		return fmt.Errorf("SESSION_CODE_MAX_ATTEMPTS must be positive")
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL_MS must be positive")
	}
	if c.Sweep.LeaderTTL <= c.Sweep.Interval {
		return fmt.Errorf("SWEEP_LEADER_TTL_MS must be longer than SWEEP_INTERVAL_MS")
	}
	return nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
