package pool

import (
	"os"
	"time"
)

// Config tunes the pool's capacity and sweep cadence, per spec.md §6's
// configuration table.
type Config struct {
	MaxCapacity       int64
	IdleTimeout       time.Duration
	ColdCleanupTTL    time.Duration
	BridgeReadyTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxCapacity:        envInt64OrDefault("MAX_SANDBOXES", 1000),
		IdleTimeout:        envDurationMsOrDefault("IDLE_TIMEOUT_MS", 30*time.Minute),
		ColdCleanupTTL:     envDurationMsOrDefault("COLD_CLEANUP_TTL_MS", 2*time.Hour),
		BridgeReadyTimeout: envDurationMsOrDefault("BRIDGE_READY_TIMEOUT_MS", 10*time.Second),
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt64OrDefault(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var n int64
	for _, c := range v {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int64(c-'0')
	}
	return n
}

func envDurationMsOrDefault(key string, def time.Duration) time.Duration {
	ms := envInt64OrDefault(key, -1)
	if ms < 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
