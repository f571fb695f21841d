package sse

import (
	"os"
	"time"
)

// WriteTimeout bounds how long a single event write may block on a stalled
// client before the stream gives up, per spec.md §4.6 / §6's
// SSE_WRITE_TIMEOUT_MS setting.
var WriteTimeout = envDurationMsOrDefault("SSE_WRITE_TIMEOUT_MS", 30*time.Second)

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
