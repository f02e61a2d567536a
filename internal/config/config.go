// Package config reads decision service settings from the environment,
// optionally seeded from a .env file.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Load reads .env files into the environment. Variables already set are not
// overridden. With no paths, ".env" is used. A missing file is an error that
// callers may ignore.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or
// fallback if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by
// key, or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvFloat returns the float value of the environment variable named by
// key, or fallback if unset, empty, or invalid.
func GetEnvFloat(key string, fallback float64) float64 {
	if s := os.Getenv(key); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return fallback
}

// GetEnvDuration returns the duration value (e.g. "10s") of the environment
// variable named by key, or fallback if unset, empty, or invalid.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}

// Service holds the decision service settings.
type Service struct {
	// Port is the HTTP listen port. Env: ABRD_PORT. Default: 8080.
	Port string
	// LogLevel is debug, info, warn or error. Env: ABRD_LOG_LEVEL. Default: info.
	LogLevel string
	// LogFormat is json or text. Env: ABRD_LOG_FORMAT. Default: json.
	LogFormat string
	// LadderFile is an optional default ladder for sessions that do not post
	// their own formats. Env: ABRD_LADDER_FILE.
	LadderFile string
	// MaxSessions caps concurrently open sessions. Env: ABRD_MAX_SESSIONS.
	// Default: 10000.
	MaxSessions int
	// BandwidthFraction is the default usable share of the estimate for
	// rate-based sessions. Env: ABRD_BANDWIDTH_FRACTION. Default: 0.75.
	BandwidthFraction float64
	// SessionTTL expires sessions idle for longer. Env: ABRD_SESSION_TTL.
	// Default: 30m. Zero disables expiry.
	SessionTTL time.Duration
	// ShutdownTimeout bounds connection draining. Env: ABRD_SHUTDOWN_TIMEOUT.
	// Default: 10s.
	ShutdownTimeout time.Duration
}

// FromEnv reads Service settings from the environment.
func FromEnv() Service {
	return Service{
		Port:              GetEnv("ABRD_PORT", "8080"),
		LogLevel:          GetEnv("ABRD_LOG_LEVEL", "info"),
		LogFormat:         GetEnv("ABRD_LOG_FORMAT", "json"),
		LadderFile:        GetEnv("ABRD_LADDER_FILE", ""),
		MaxSessions:       GetEnvInt("ABRD_MAX_SESSIONS", 10000),
		BandwidthFraction: GetEnvFloat("ABRD_BANDWIDTH_FRACTION", 0.75),
		SessionTTL:        GetEnvDuration("ABRD_SESSION_TTL", 30*time.Minute),
		ShutdownTimeout:   GetEnvDuration("ABRD_SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}
