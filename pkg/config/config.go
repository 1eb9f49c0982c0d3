package config

import (
	"os"
	"time"

	"github.com/spf13/cast"
)

// Config is the closed recognized configuration surface. New knobs belong
// here, not in ad hoc env lookups.
type Config struct {
	MetadataDBURL string

	ChunkSize               int
	BatchSize               int
	MaxRetries              int
	HeartbeatInterval       time.Duration
	LivenessThreshold       time.Duration
	FailureThresholdPercent int
	LogLevel                string

	// Fixed-default knobs, overridable only in code.
	ReapInterval       time.Duration
	SuperviseInterval  time.Duration
	ChunkHardTimeout   time.Duration
	RetryBackoffBase   time.Duration
	RetryBackoffCap    time.Duration
	TargetLatency      time.Duration
	MinBatchSize       int
	MaxBatchSize       int
	MaxWorkersPerJob   int
	SupervisorMinTotal int
}

func Defaults() Config {
	return Config{
		MetadataDBURL:           "",
		ChunkSize:               100000,
		BatchSize:               5000,
		MaxRetries:              3,
		HeartbeatInterval:       10 * time.Second,
		LivenessThreshold:       120 * time.Second,
		FailureThresholdPercent: 5,
		LogLevel:                "INFO",

		ReapInterval:       30 * time.Second,
		SuperviseInterval:  10 * time.Second,
		ChunkHardTimeout:   time.Hour,
		RetryBackoffBase:   10 * time.Second,
		RetryBackoffCap:    600 * time.Second,
		TargetLatency:      200 * time.Millisecond,
		MinBatchSize:       500,
		MaxBatchSize:       50000,
		MaxWorkersPerJob:   8,
		SupervisorMinTotal: 20,
	}
}

// Load reads the environment on top of defaults.
func Load() Config {
	cfg := Defaults()
	cfg.MetadataDBURL = envString("METADATA_DB_URL", cfg.MetadataDBURL)
	cfg.ChunkSize = envInt("MIGRATION_CHUNK_SIZE", cfg.ChunkSize)
	cfg.BatchSize = envInt("MIGRATION_BATCH_SIZE", cfg.BatchSize)
	cfg.MaxRetries = envInt("MIGRATION_MAX_RETRIES", cfg.MaxRetries)
	cfg.HeartbeatInterval = envSeconds("MIGRATION_HEARTBEAT_INTERVAL_S", cfg.HeartbeatInterval)
	cfg.LivenessThreshold = envSeconds("MIGRATION_LIVENESS_THRESHOLD_S", cfg.LivenessThreshold)
	cfg.FailureThresholdPercent = envInt("MIGRATION_FAILURE_THRESHOLD_PCT", cfg.FailureThresholdPercent)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	return cfg
}

func envString(key, def string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return def
}

func envInt(key string, def int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := cast.ToIntE(val); err == nil {
			return parsed
		}
	}
	return def
}

func envSeconds(key string, def time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := cast.ToIntE(val); err == nil {
			return time.Duration(parsed) * time.Second
		}
	}
	return def
}
