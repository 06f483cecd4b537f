// Package config provides configuration management for the hylo simulator.
// Values come from environment variables with sensible defaults, optionally
// seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds the configuration of the minersim service
type Config struct {
	// Service identification
	ServiceName string `validate:"required"`
	Version     string
	Environment string `validate:"oneof=development staging production test"`

	// External services
	RegistryURL     string        `validate:"required,url"`
	LedgerURL       string        `validate:"required,url"`
	RegistryTimeout time.Duration `validate:"gt=0"`
	SubmitTimeout   time.Duration `validate:"gte=0"` // 0 leaves submissions bounded by the transport only

	// Scheduler
	TickInterval             time.Duration `validate:"gt=0"`
	RosterRefreshInterval    time.Duration `validate:"gt=0"`
	ProbabilityNormalization float64       `validate:"gt=0"`
	ProbabilityCeiling       float64       `validate:"gt=0,lte=1"`
	EventQueueSize           int           `validate:"gt=0"`
	RecentSettlements        int           `validate:"gt=0"`
	TallyFlushInterval       time.Duration `validate:"gt=0"`

	// Observer API; empty disables it
	HTTPListenAddr string `validate:"omitempty,hostname_port"`

	// Event sinks; an empty address disables the sink
	KafkaBrokers   []string
	KafkaEncoding  string `validate:"oneof=json proto"`
	RedisURL       string `validate:"omitempty,url"`
	PostgresURL    string `validate:"omitempty,url"`
	InfluxURL      string `validate:"omitempty,url"`
	InfluxToken    string
	InfluxOrg      string
	InfluxBucket   string
	ZMQPublishAddr string

	// Logging
	LogLevel  string `validate:"oneof=debug info warn warning error"`
	LogFormat string `validate:"oneof=json text"`
}

// Load loads configuration from the environment. When ENV_FILE names a
// file, its variables are loaded first without overriding the environment.
func Load() (*Config, error) {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "minersim"),
		Version:     getEnv("VERSION", "dev"),
		Environment: getEnv("ENVIRONMENT", "development"),

		RegistryURL:     getEnv("REGISTRY_URL", "http://127.0.0.1:5001/api"),
		LedgerURL:       getEnv("LEDGER_URL", "http://127.0.0.1:5001/api"),
		RegistryTimeout: getEnvDuration("REGISTRY_TIMEOUT", 5*time.Second),
		SubmitTimeout:   getEnvDuration("SUBMIT_TIMEOUT", 0),

		TickInterval:             getEnvDuration("TICK_INTERVAL", time.Second),
		RosterRefreshInterval:    getEnvDuration("ROSTER_REFRESH_INTERVAL", 3*time.Second),
		ProbabilityNormalization: getEnvFloat("PROBABILITY_NORMALIZATION", 5000),
		ProbabilityCeiling:       getEnvFloat("PROBABILITY_CEILING", 0.9),
		EventQueueSize:           getEnvInt("EVENT_QUEUE_SIZE", 1024),
		RecentSettlements:        getEnvInt("RECENT_SETTLEMENTS", 100),
		TallyFlushInterval:       getEnvDuration("TALLY_FLUSH_INTERVAL", 10*time.Second),

		HTTPListenAddr: getEnv("HTTP_LISTEN_ADDR", "127.0.0.1:8080"),

		KafkaBrokers:   getEnvSlice("KAFKA_BROKERS", nil),
		KafkaEncoding:  getEnv("KAFKA_ENCODING", "json"),
		RedisURL:       getEnv("REDIS_URL", ""),
		PostgresURL:    getEnv("POSTGRES_URL", ""),
		InfluxURL:      getEnv("INFLUX_URL", ""),
		InfluxToken:    getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:      getEnv("INFLUX_ORG", "hylo"),
		InfluxBucket:   getEnv("INFLUX_BUCKET", "minersim"),
		ZMQPublishAddr: getEnv("ZMQ_PUBLISH_ADDR", ""),

		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "json")),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate runs the struct tag rules, then checks that need several fields
func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if c.InfluxURL != "" && c.InfluxToken == "" {
		return fmt.Errorf("INFLUX_TOKEN is required when INFLUX_URL is set")
	}

	if c.RosterRefreshInterval < c.TickInterval {
		return fmt.Errorf("ROSTER_REFRESH_INTERVAL must not be shorter than TICK_INTERVAL")
	}

	if c.SubmitTimeout > 0 && c.SubmitTimeout < c.TickInterval {
		return fmt.Errorf("SUBMIT_TIMEOUT must be zero or at least TICK_INTERVAL")
	}

	return nil
}

// KafkaEnabled reports whether an event stream is configured
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
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
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
