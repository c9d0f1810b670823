package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port        string
	DatabaseURL string

	// Optional variables with defaults
	Host           string
	AppName        string
	Debug          bool
	AllowedOrigins string

	// TLS (both or neither)
	TLSCertFile string
	TLSKeyFile  string

	// TURN/STUN credential minting
	TurnURLs   []string
	TurnSecret string
	TurnTTL    time.Duration
	StunURLs   []string

	// Sessions
	SessionTTL         time.Duration
	MaxSessionsPerUser int

	// Realtime fabric
	HeartbeatInterval  time.Duration
	StaleSocketTimeout time.Duration

	// Background workers
	CleanupInterval     time.Duration
	PushWorkerInterval  time.Duration
	PushCleanupInterval time.Duration

	// Web push (outbox disabled when the key pair is absent)
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string

	// Rate limits (ulule formatted, e.g. "100-M")
	RateLimitAPIGlobal string
	RateLimitAPIAuth   string
	RateLimitAPISigned string
	RateLimitWsIP      string
}

// Floors below which interval settings are clamped. Operators can slow the
// timers down but not turn them into busy loops.
const (
	minHeartbeatInterval  = 5 * time.Second
	minPushWorkerInterval = 5 * time.Second
)

// ValidateEnv validates all environment variables and returns a Config.
// Returns an error listing every missing or invalid variable at once.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required: PORT
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	// Required: DATABASE_URL
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}

	cfg.Host = getEnvOrDefault("HOST", "")
	cfg.AppName = getEnvOrDefault("APP_NAME", "lrcom")
	cfg.Debug = os.Getenv("DEBUG") == "true" || os.Getenv("DEBUG") == "1"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// TLS: cert and key must be configured together
	cfg.TLSCertFile = os.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = os.Getenv("TLS_KEY_FILE")
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		errs = append(errs, "TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}

	// TURN credential minting is optional; /turn falls back to STUN only.
	cfg.TurnURLs = splitList(os.Getenv("TURN_URLS"))
	cfg.TurnSecret = os.Getenv("TURN_SECRET")
	if len(cfg.TurnURLs) > 0 && cfg.TurnSecret == "" {
		errs = append(errs, "TURN_SECRET is required when TURN_URLS is set")
	}
	cfg.TurnTTL = parseDuration("TURN_TTL", 2*time.Hour, &errs)
	cfg.StunURLs = splitList(getEnvOrDefault("STUN_URLS", "stun:stun.l.google.com:19302"))

	cfg.SessionTTL = parseDuration("SESSION_TTL", 12*time.Hour, &errs)
	cfg.MaxSessionsPerUser = parseInt("MAX_SESSIONS_PER_USER", 5, &errs)
	if cfg.MaxSessionsPerUser < 1 {
		errs = append(errs, "MAX_SESSIONS_PER_USER must be at least 1")
	}

	cfg.HeartbeatInterval = parseDuration("HEARTBEAT_INTERVAL", 30*time.Second, &errs)
	if cfg.HeartbeatInterval < minHeartbeatInterval {
		cfg.HeartbeatInterval = minHeartbeatInterval
	}
	cfg.StaleSocketTimeout = parseDuration("STALE_SOCKET_TIMEOUT", 2*cfg.HeartbeatInterval, &errs)

	cfg.CleanupInterval = parseDuration("CLEANUP_INTERVAL", 10*time.Minute, &errs)
	cfg.PushWorkerInterval = parseDuration("PUSH_WORKER_INTERVAL", 15*time.Second, &errs)
	if cfg.PushWorkerInterval < minPushWorkerInterval {
		cfg.PushWorkerInterval = minPushWorkerInterval
	}
	cfg.PushCleanupInterval = parseDuration("PUSH_CLEANUP_INTERVAL", 5*time.Minute, &errs)

	// VAPID: all three or none
	cfg.VAPIDPublicKey = os.Getenv("VAPID_PUBLIC_KEY")
	cfg.VAPIDPrivateKey = os.Getenv("VAPID_PRIVATE_KEY")
	cfg.VAPIDSubject = os.Getenv("VAPID_SUBJECT")
	if cfg.PushEnabled() && cfg.VAPIDSubject == "" {
		errs = append(errs, "VAPID_SUBJECT is required when VAPID keys are set")
	}
	if (cfg.VAPIDPublicKey == "") != (cfg.VAPIDPrivateKey == "") {
		errs = append(errs, "VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIAuth = getEnvOrDefault("RATE_LIMIT_API_AUTH", "30-M")
	cfg.RateLimitAPISigned = getEnvOrDefault("RATE_LIMIT_API_SIGNED", "600-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "60-M")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return cfg, nil
}

// PushEnabled reports whether the push outbox should run.
func (c *Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// Origins returns the allowed CORS/WS origins, with a localhost default for
// development.
func (c *Config) Origins() []string {
	if c.AllowedOrigins == "" {
		return []string{"http://localhost:3000"}
	}
	return splitList(c.AllowedOrigins)
}

func parseDuration(key string, def time.Duration, errs *[]string) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	// Accept plain seconds for compatibility with integer-style env files.
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be a duration like '30s' or an integer second count (got '%s')", key, raw))
		return def
	}
	return d
}

func parseInt(key string, def int, errs *[]string) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be an integer (got '%s')", key, raw))
		return def
	}
	return n
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
