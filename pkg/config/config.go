// Package config loads server configuration from the environment, with an
// optional .env file for development. Blob storage configures itself from
// the environment separately, see blob.NewStoreFromEnv.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is the full veractd configuration.
type Config struct {
	Environment string `validate:"required,oneof=development staging production"`
	LogLevel    string `validate:"required"`

	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Lifecycle LifecycleConfig
	Tools     ToolsConfig
	Telemetry TelemetryConfig
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host            string
	Port            int `validate:"min=1,max=65535"`
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// RateLimitRPS throttles each client IP; RateLimitBurst allows short
	// spikes above it.
	RateLimitRPS   float64 `validate:"gt=0"`
	RateLimitBurst int     `validate:"gte=1"`
}

// Address returns the listen address.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig selects the persistence backend. URL takes precedence;
// with no URL the server falls back to SQLite at SQLitePath, and with
// neither it runs on in-memory stores.
type DatabaseConfig struct {
	URL             string
	SQLitePath      string
	MaxOpenConns    int           `validate:"gte=1"`
	MaxIdleConns    int           `validate:"gte=0"`
	ConnMaxLifetime time.Duration `validate:"gt=0"`
}

// RedisConfig enables the distributed execution lock when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AuthConfig configures API bearer authentication. An empty secret disables
// verification, which is acceptable only in development.
type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

// LifecycleConfig tunes the engine.
type LifecycleConfig struct {
	ApprovalTTL     time.Duration `validate:"gt=0"`
	DispatchTimeout time.Duration `validate:"gt=0"`
	SweepInterval   time.Duration `validate:"gt=0"`

	// MasterSeed is the hex-encoded 32-byte attestation signing seed.
	// Empty produces unsigned attestations.
	MasterSeed string `validate:"omitempty,hexadecimal,len=64"`

	// ProfileDir holds per-entity capability profiles as YAML files.
	ProfileDir string
}

// ToolsConfig wires the bundled tool adapters. UsageFile feeds the report
// generator with metered rows; an OpenAI API key switches knowledge
// ingestion from the in-process embedder to the hosted one.
type ToolsConfig struct {
	UsageFile    string
	OpenAIAPIKey string
	EmbeddingDim int `validate:"gte=0"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Enabled    bool
	Endpoint   string
	SampleRate float64 `validate:"gte=0,lte=1"`
	Insecure   bool
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvAsInt("PORT", 8460),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			RateLimitRPS:    getEnvAsFloat("RATE_LIMIT_RPS", 20),
			RateLimitBurst:  getEnvAsInt("RATE_LIMIT_BURST", 40),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			SQLitePath:      getEnv("VERACT_SQLITE_PATH", ""),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("VERACT_JWT_SECRET", ""),
			Issuer:    getEnv("VERACT_JWT_ISSUER", "veract"),
		},
		Lifecycle: LifecycleConfig{
			ApprovalTTL:     getEnvAsDuration("VERACT_APPROVAL_TTL", 72*time.Hour),
			DispatchTimeout: getEnvAsDuration("VERACT_DISPATCH_TIMEOUT", 2*time.Minute),
			SweepInterval:   getEnvAsDuration("VERACT_SWEEP_INTERVAL", time.Minute),
			MasterSeed:      getEnv("VERACT_MASTER_SEED", ""),
			ProfileDir:      getEnv("VERACT_PROFILE_DIR", "profiles"),
		},
		Tools: ToolsConfig{
			UsageFile:    getEnv("VERACT_USAGE_FILE", ""),
			OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),
			EmbeddingDim: getEnvAsInt("VERACT_EMBEDDING_DIM", 0),
		},
		Telemetry: TelemetryConfig{
			Enabled:    getEnvAsBool("TRACING_ENABLED", false),
			Endpoint:   getEnv("TRACING_ENDPOINT", "localhost:4317"),
			SampleRate: getEnvAsFloat("TRACING_SAMPLE_RATE", 0.1),
			Insecure:   getEnvAsBool("TRACING_INSECURE", true),
		},
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	if cfg.IsProduction() && cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("VERACT_JWT_SECRET is required in production")
	}
	if cfg.IsProduction() && cfg.Lifecycle.MasterSeed == "" {
		return nil, fmt.Errorf("VERACT_MASTER_SEED is required in production: unsigned attestations have no evidence value")
	}
	return cfg, nil
}

// IsProduction reports whether the server runs in production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
