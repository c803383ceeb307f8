package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the configuration for all services
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Search   SearchConfig   `yaml:"search"`
	GitHub   GitHubConfig   `yaml:"github"`
	OIDC     OIDCConfig     `yaml:"oidc"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// RedisConfig holds Redis connection settings. An empty host disables the
// response cache entirely.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SearchConfig holds OpenSearch connection settings
type SearchConfig struct {
	Addresses []string `yaml:"addresses"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
}

// GitHubConfig holds settings for the upstream source-control API
type GitHubConfig struct {
	APIBase string        `yaml:"api_base"`
	RawBase string        `yaml:"raw_base"`
	Timeout time.Duration `yaml:"timeout"`
}

// OIDCConfig holds settings for federated identity token verification
type OIDCConfig struct {
	Issuer   string        `yaml:"issuer"`
	Audience string        `yaml:"audience"`
	ClientID string        `yaml:"client_id"`
	KeyTTL   time.Duration `yaml:"key_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8000),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("PGHOST", "localhost"),
			Port:     getEnvInt("PGPORT", 5432),
			User:     getEnv("PGUSER", "flakestry"),
			Password: getEnv("PGPASSWORD", ""),
			DBName:   getEnv("PGDATABASE", "flakestry"),
			SSLMode:  getEnv("PGSSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", ""),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Search: SearchConfig{
			Addresses: getEnvList("OPENSEARCH_ADDRESSES", []string{"http://localhost:9200"}),
			Username:  getEnv("OPENSEARCH_USERNAME", ""),
			Password:  getEnv("OPENSEARCH_PASSWORD", ""),
		},
		GitHub: GitHubConfig{
			APIBase: getEnv("GITHUB_API_BASE", "https://api.github.com"),
			RawBase: getEnv("GITHUB_RAW_BASE", "https://raw.githubusercontent.com"),
			Timeout: getEnvDuration("GITHUB_TIMEOUT", 15*time.Second),
		},
		OIDC: OIDCConfig{
			Issuer:   getEnv("OIDC_ISSUER", "https://token.actions.githubusercontent.com"),
			Audience: getEnv("FLAKESTRY_URL", "http://localhost:8000"),
			ClientID: getEnv("OIDC_CLIENT_ID", "6779ef20e75817b79602"),
			KeyTTL:   getEnvDuration("OIDC_KEY_TTL", time.Hour),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

// DatabaseURL returns a PostgreSQL connection string
func (d *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// RedisAddr returns the Redis address
func (r *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
