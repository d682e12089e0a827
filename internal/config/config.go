package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	DBUser     string
	DBPassword string
	DBName     string
	DBHost     string
	DBPort     string
	DBSSLMode  string

	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	BotToken     string
	OpsChatID    int64
	HTTPAddr     string
	TriggerToken string
	AllowedCIDRs []string
	ReturnsCron  string
	LevelsCron   string
	Timezone     string
	Workers      int
	JobTimeout   time.Duration
	JobLockTTL   time.Duration
	TiersFile    string
	LogLevel     string
	LogFormat    string
	Currency     string
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		zap.L().Info("No .env file found, using system environment variables")
	}

	return &Config{
		DBUser:        getEnv("DB_USER", "postgres"),
		DBPassword:    getEnv("DB_PASSWORD", "postgres"),
		DBName:        getEnv("DB_NAME", "mlm_ledger"),
		DBHost:        getEnv("DB_HOST", "localhost"),
		DBPort:        getEnv("DB_PORT", "5432"),
		DBSSLMode:     getEnv("DB_SSLMODE", "disable"),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		BotToken:      getEnv("TELEGRAM_BOT_TOKEN", ""),
		OpsChatID:     int64(getEnvInt("TELEGRAM_OPS_CHAT_ID", 0)),
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		TriggerToken:  getEnv("TRIGGER_TOKEN", ""),
		AllowedCIDRs:  getEnvList("TRIGGER_ALLOWED_CIDRS"),
		ReturnsCron:   getEnv("RETURNS_CRON", "5 0 * * *"),
		LevelsCron:    getEnv("LEVELS_CRON", "0 */6 * * *"),
		Timezone:      getEnv("ENGINE_TIMEZONE", "UTC"),
		Workers:       getEnvInt("ENGINE_WORKERS", 1),
		JobTimeout:    getEnvDuration("JOB_TIMEOUT", 30*time.Minute),
		JobLockTTL:    getEnvDuration("JOB_LOCK_TTL", time.Hour),
		TiersFile:     getEnv("TIERS_FILE", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "json"),
		Currency:      getEnv("CURRENCY", "USD"),
	}
}

// Validate checks the values that would otherwise fail late, inside a scheduled run.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Workers < 1 {
		return fmt.Errorf("ENGINE_WORKERS must be at least 1, got %d", c.Workers)
	}
	if strings.TrimSpace(c.ReturnsCron) == "" || strings.TrimSpace(c.LevelsCron) == "" {
		return fmt.Errorf("cron schedules must not be empty")
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("JOB_TIMEOUT must be positive")
	}
	// a lock that expires before the run is cancelled lets a second run start
	if c.JobLockTTL <= c.JobTimeout {
		return fmt.Errorf("JOB_LOCK_TTL (%s) must exceed JOB_TIMEOUT (%s)", c.JobLockTTL, c.JobTimeout)
	}
	return nil
}

// ValidateServe checks the settings the HTTP trigger surface needs on top of Validate.
func (c *Config) ValidateServe() error {
	if c.TriggerToken == "" && len(c.AllowedCIDRs) == 0 {
		return fmt.Errorf("refusing to serve unauthenticated triggers: set TRIGGER_TOKEN or TRIGGER_ALLOWED_CIDRS")
	}
	return nil
}

// Location is the timezone that defines the daily return period boundary.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid ENGINE_TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort, c.DBSSLMode)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		zap.L().Warn("invalid integer in environment, using fallback",
			zap.String("key", key), zap.String("value", value), zap.Int("fallback", fallback))
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		zap.L().Warn("invalid duration in environment, using fallback",
			zap.String("key", key), zap.String("value", value), zap.Duration("fallback", fallback))
		return fallback
	}
	return d
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
