package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	RunModeHTTP   = "http"
	RunModeLambda = "lambda"
)

type Config struct {
	Port              int
	LogLevel          string
	RunMode           string
	ClassifierURL     string
	ParamPrefix       string
	ClassifierTimeout time.Duration
	TruncateLimit     int
	SessionIdleTTL    time.Duration
	AuditTable        string
	NatsURL           string
	NatsToken         string
	NatsSubject       string
}

// Load reads the configuration from the environment. Unset or malformed
// values fall back to their defaults.
func Load() Config {
	runMode := strings.ToLower(envStr("RUN_MODE", RunModeHTTP))
	if runMode != RunModeLambda {
		runMode = RunModeHTTP
	}
	return Config{
		Port:              envInt("PORT", 8080),
		LogLevel:          envStr("LOG_LEVEL", "info"),
		RunMode:           runMode,
		ClassifierURL:     envStr("CLASSIFIER_URL", ""),
		ParamPrefix:       envStr("PARAM_PREFIX", ""),
		ClassifierTimeout: envDuration("CLASSIFIER_TIMEOUT", 0),
		TruncateLimit:     envInt("TRUNCATE_LIMIT", 100),
		SessionIdleTTL:    envDuration("SESSION_IDLE_TTL", 2*time.Hour),
		AuditTable:        envStr("AUDIT_TABLE", ""),
		NatsURL:           envStr("NATS_URL", ""),
		NatsToken:         envStr("NATS_TOKEN", ""),
		NatsSubject:       envStr("NATS_SUBJECT", "classifier.turn.resolved"),
	}
}

func envStr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			return d
		}
	}
	return fallback
}
