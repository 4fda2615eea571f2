// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	LogLevel    slog.Level

	// SessionGracePeriod is how long an empty session survives before it is destroyed.
	SessionGracePeriod time.Duration
	// WriteTimeout bounds a single outbound socket write.
	WriteTimeout time.Duration

	Interactions InteractionConfig
	Transcripts  TranscriptConfig

	// OrchestratorAddr is the gRPC address of the agent orchestrator. Empty disables chat.
	OrchestratorAddr string
	MetricsEnabled   bool
}

// InteractionConfig controls the per-session interaction queues.
type InteractionConfig struct {
	TTL           time.Duration
	QueueSize     int
	SweepInterval time.Duration
}

// TranscriptConfig controls recording of completed chat turns.
type TranscriptConfig struct {
	Enabled bool
	DBPath  string
	// Retention is how long turns are kept. Zero keeps them forever.
	Retention time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		FrontendURL:        getEnv("FRONTEND_URL", ""),
		LogLevel:           getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		SessionGracePeriod: getEnvDuration("SESSION_GRACE_PERIOD", 60*time.Second),
		WriteTimeout:       getEnvDuration("WRITE_TIMEOUT", 10*time.Second),
		Interactions: InteractionConfig{
			TTL:           getEnvDuration("INTERACTION_TTL", 5*time.Minute),
			QueueSize:     getEnvInt("INTERACTION_QUEUE_SIZE", 100),
			SweepInterval: getEnvDuration("INTERACTION_SWEEP_INTERVAL", time.Minute),
		},
		Transcripts: TranscriptConfig{
			Enabled:   getEnvBool("TRANSCRIPTS_ENABLED", true),
			DBPath:    getEnv("DB_PATH", "./data/relay.db"),
			Retention: getEnvDuration("TRANSCRIPT_RETENTION", 7*24*time.Hour),
		},
		OrchestratorAddr: getEnv("ORCHESTRATOR_ADDR", ""),
		MetricsEnabled:   getEnvBool("METRICS_ENABLED", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.SessionGracePeriod <= 0 {
		return fmt.Errorf("SESSION_GRACE_PERIOD must be > 0")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("WRITE_TIMEOUT must be > 0")
	}
	if c.Interactions.TTL <= 0 {
		return fmt.Errorf("INTERACTION_TTL must be > 0")
	}
	if c.Interactions.QueueSize <= 0 {
		return fmt.Errorf("INTERACTION_QUEUE_SIZE must be > 0")
	}
	if c.Interactions.SweepInterval <= 0 {
		return fmt.Errorf("INTERACTION_SWEEP_INTERVAL must be > 0")
	}
	if c.Transcripts.Enabled && c.Transcripts.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty when TRANSCRIPTS_ENABLED is set")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the origin patterns accepted for browser connections.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go duration strings ("90s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
