// Package config loads process configuration from the environment. Absent
// values take documented defaults; only DATABASE_URL and NATS_URL are
// required.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds swarmd configuration.
type Config struct {
	DatabaseURL string
	NATSURL     string
	NATSStream  string

	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool

	ScopeID        string
	AgentID        string
	AgentRole      string
	GovernancePath string

	NearFinalityThreshold float64
	AutoFinalityThreshold float64

	WatchdogInterval   time.Duration
	WatchdogQuiescence time.Duration

	MITLPort      string
	MITLJWTSecret string

	OpenAIAPIKey string
	OpenAIModel  string

	RedisURL string
	LogLevel string
}

// Load reads the environment. Missing required values return an error rather
// than a half-built config.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		NATSURL:     envDefault("NATS_URL", "nats://localhost:4222"),
		NATSStream:  envDefault("NATS_STREAM", "SWARM"),

		S3Bucket:    os.Getenv("S3_BUCKET"),
		S3Region:    envDefault("S3_REGION", "us-east-1"),
		S3Endpoint:  os.Getenv("S3_ENDPOINT"),
		S3PathStyle: os.Getenv("S3_PATH_STYLE") == "true",

		ScopeID:        envDefault("SCOPE_ID", "default"),
		AgentID:        envDefault("AGENT_ID", "swarmd"),
		AgentRole:      envDefault("AGENT_ROLE", "governance"),
		GovernancePath: envDefault("GOVERNANCE_PATH", "governance.yaml"),

		MITLPort:      envDefault("MITL_PORT", "8087"),
		MITLJWTSecret: os.Getenv("MITL_JWT_SECRET"),

		OpenAIAPIKey: os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:  envDefault("OPENAI_MODEL", "gpt-4o-mini"),

		RedisURL: os.Getenv("REDIS_URL"),
		LogLevel: envDefault("LOG_LEVEL", "INFO"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required")
	}

	var err error
	if cfg.NearFinalityThreshold, err = envFloat("NEAR_FINALITY_THRESHOLD", 0.75); err != nil {
		return nil, err
	}
	if cfg.AutoFinalityThreshold, err = envFloat("AUTO_FINALITY_THRESHOLD", 0.92); err != nil {
		return nil, err
	}
	if cfg.WatchdogInterval, err = envMillis("WATCHDOG_INTERVAL_MS", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.WatchdogQuiescence, err = envMillis("WATCHDOG_QUIESCENCE_MS", 30*time.Second); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return f, nil
}

func envMillis(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("config: %s must be a positive integer of milliseconds", key)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
