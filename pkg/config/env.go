// Package config provides shared environment variable helpers.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// EnvOr returns the environment variable value or a fallback default.
func EnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// EnvOrInt returns an integer environment variable or a fallback default.
// Logs a warning if the value is set but not parseable or not positive.
func EnvOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer env var, using fallback", "key", key, "value", v, "fallback", fallback)
		return fallback
	}
	if n <= 0 {
		slog.Warn("env var must be positive, using fallback", "key", key, "value", n, "fallback", fallback)
		return fallback
	}
	return n
}

// EnvOrIntInRange is like EnvOrInt but allows non-positive values and
// clamps/reports out-of-[lo,hi] values back to fallback. Used for settings
// where 0 is a meaningful "disabled" value (e.g. statement timeout, quota).
func EnvOrIntInRange(key string, fallback, lo, hi int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer env var, using fallback", "key", key, "value", v, "fallback", fallback)
		return fallback
	}
	if n < lo || n > hi {
		slog.Warn("env var out of range, using fallback", "key", key, "value", n, "lo", lo, "hi", hi, "fallback", fallback)
		return fallback
	}
	return n
}

// EnvOrBool returns a boolean environment variable ("true"/"1" are truthy)
// or a fallback default.
func EnvOrBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("invalid boolean env var, using fallback", "key", key, "value", v, "fallback", fallback)
		return fallback
	}
	return b
}

// Runtime bundles the process-wide tunables shared across the worker
// pipelines.
type Runtime struct {
	ReclaimAfter                  time.Duration
	OutboxMaxAttempts             int
	PGWorkerStatementTimeout      time.Duration
	QuotaPlatformMaxPendingDelivs int
}

// LoadRuntime reads the four spec-mandated environment variables with
// their documented defaults and bounds.
func LoadRuntime() Runtime {
	stmtTimeoutMS := EnvOrIntInRange("PROXY_PG_WORKER_STATEMENT_TIMEOUT_MS", 0, 0, 60000)
	quota := EnvOrIntInRange("PROXY_QUOTA_PLATFORM_MAX_PENDING_DELIVERIES", 0, 0, 1<<30)
	return Runtime{
		ReclaimAfter:                  time.Duration(EnvOrInt("PROXY_RECLAIM_AFTER_SECONDS", 60)) * time.Second,
		OutboxMaxAttempts:             EnvOrInt("PROXY_OUTBOX_MAX_ATTEMPTS", 25),
		PGWorkerStatementTimeout:      time.Duration(stmtTimeoutMS) * time.Millisecond,
		QuotaPlatformMaxPendingDelivs: quota,
	}
}
