// Package config loads application configuration from environment
// variables, with an optional .env file for local development.
//
// Environment Variables:
//
// Application settings:
//   - PORT: HTTP listen port (default: 8080)
//   - BASE_URL: Public base URL used when computing webhook URLs
//     (default: http://localhost:<PORT>)
//   - LOG_LEVEL: Logging level (default: info)
//   - LOG_FILE: Optional log file path (default: stdout only)
//
// Storage:
//   - DATABASE_PATH: SQLite database file path (default: ./triggers.db)
//   - EXECUTION_RETENTION_DAYS: Days of execution history to keep,
//     0 disables pruning (default: 30)
//
// Workflow engine:
//   - ENGINE_URL: Base URL of the workflow engine REST API
//     (default: http://localhost:9090)
//
// Cache (POP3 dedupe state):
//   - CACHE_TYPE: "local" or "redis" (default: local)
//   - REDIS_ADDRESS: Redis server address (default: localhost:6379)
//   - REDIS_PASSWORD: Redis authentication password
//   - REDIS_DB: Redis database number 0-15 (default: 0)
//
// Security:
//   - JWT_SECRET: JWT signing secret for the management API
//     (required, minimum 32 characters)
//   - ADMIN_USERNAME: Management API username (default: admin)
//   - ADMIN_PASSWORD: Management API password (required)
package config

import (
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"trigger-orchestrator/internal/common/errors"
)

// Config holds all runtime configuration for the trigger orchestrator
type Config struct {
	Port    string `validate:"required,numeric"`
	BaseURL string `validate:"required,url"`

	LogLevel string
	LogFile  string

	DatabasePath  string `validate:"required"`
	RetentionDays int    `validate:"min=0"`

	EngineURL string `validate:"required,url"`

	CacheType     string `validate:"oneof=local redis"`
	RedisAddress  string
	RedisPassword string
	RedisDB       int `validate:"min=0,max=15"`

	JWTSecret     string `validate:"required,min=32"`
	AdminUsername string `validate:"required"`
	AdminPassword string `validate:"required"`
}

// Load builds a Config from the environment. A .env file in the working
// directory is applied first when present. Call Validate before use.
func Load() *Config {
	_ = godotenv.Load()

	port := getEnv("PORT", "8080")
	return &Config{
		Port:    port,
		BaseURL: getEnv("BASE_URL", "http://localhost:"+port),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),

		DatabasePath:  getEnv("DATABASE_PATH", "./triggers.db"),
		RetentionDays: getIntEnv("EXECUTION_RETENTION_DAYS", 30),

		EngineURL: getEnv("ENGINE_URL", "http://localhost:9090"),

		CacheType:     getEnv("CACHE_TYPE", "local"),
		RedisAddress:  getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		JWTSecret:     getEnv("JWT_SECRET", ""),
		AdminUsername: getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword: getEnv("ADMIN_PASSWORD", ""),
	}
}

var validate = validator.New()

// Validate checks required fields and value ranges. The process must not
// start on an invalid configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.ConfigurationError("invalid configuration: " + err.Error())
	}
	return nil
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
