// Package config reads inquest settings from the environment, with defaults
// suitable for a local single-node run.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is resolved once at process start and passed down explicitly.
type Config struct {
	ListenAddr string
	DataDir    string

	// Worker execution.
	WorkerTimeout        time.Duration // default per-kind execution timeout
	InvestigationTimeout time.Duration // global join-barrier deadline
	MaxConcurrentCalls   int64         // semaphore across all investigations

	// Progress channel.
	EventRetention  time.Duration // terminal event availability window
	SubscriberBuf   int
	RetentionSweep  string // cron expr for the archive/trim sweeper
	ArchiveAfter    time.Duration

	// Optional integrations.
	NATSURL   string // empty disables the relay
	PolicyDir string // empty disables the OPA admission gate
}

// FromEnv builds a Config from SWARM_* environment variables.
func FromEnv() Config {
	return Config{
		ListenAddr:           envString("SWARM_INQUEST_ADDR", ":8080"),
		DataDir:              envString("SWARM_INQUEST_DATA_DIR", "./data"),
		WorkerTimeout:        envDuration("SWARM_INQUEST_WORKER_TIMEOUT", 15*time.Second),
		InvestigationTimeout: envDuration("SWARM_INQUEST_GLOBAL_TIMEOUT", 2*time.Minute),
		MaxConcurrentCalls:   envInt64("SWARM_INQUEST_MAX_CALLS", 32),
		EventRetention:       envDuration("SWARM_INQUEST_EVENT_RETENTION", time.Hour),
		SubscriberBuf:        int(envInt64("SWARM_INQUEST_SUBSCRIBER_BUF", 64)),
		RetentionSweep:       envString("SWARM_INQUEST_SWEEP_CRON", "0 */5 * * * *"),
		ArchiveAfter:         envDuration("SWARM_INQUEST_ARCHIVE_AFTER", 24*time.Hour),
		NATSURL:              os.Getenv("SWARM_NATS_URL"),
		PolicyDir:            os.Getenv("SWARM_INQUEST_POLICY_DIR"),
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
