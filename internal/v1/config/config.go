package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"log/slog"
)

// Config holds validated environment configuration.
type Config struct {
	// Required variables
	JWTSecret    string
	Port         string
	ClientOrigin string

	// Optional variables with defaults
	GoEnv           string
	LogLevel        string
	SocialGraphAddr string
	InitialClockMs  int64

	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// Rate Limits (M = Minute, H = Hour)
	RateLimitWsIP string

	// Tracing
	OTLPEndpoint string
}

// DefaultInitialClockMs is the per-side budget of a fresh game: 3 minutes.
const DefaultInitialClockMs = 180_000

// ValidateEnv validates all required environment variables and returns a Config.
// Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required: JWT_SECRET (minimum 32 characters)
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Required: CLIENT_ORIGIN (absolute URL, used to compose invite links)
	cfg.ClientOrigin = os.Getenv("CLIENT_ORIGIN")
	if cfg.ClientOrigin == "" {
		errs = append(errs, "CLIENT_ORIGIN is required")
	} else if u, err := url.Parse(cfg.ClientOrigin); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("CLIENT_ORIGIN must be an absolute URL (got '%s')", cfg.ClientOrigin))
	} else {
		cfg.ClientOrigin = strings.TrimRight(cfg.ClientOrigin, "/")
	}

	// Optional: SOCIAL_GRAPH_ADDR (host:port of the social graph service)
	cfg.SocialGraphAddr = os.Getenv("SOCIAL_GRAPH_ADDR")
	if cfg.SocialGraphAddr != "" && !isValidHostPort(cfg.SocialGraphAddr) {
		errs = append(errs, fmt.Sprintf("SOCIAL_GRAPH_ADDR must be in format 'host:port' (got '%s')", cfg.SocialGraphAddr))
	}

	// Optional: INITIAL_CLOCK_MS (per-side game clock budget)
	cfg.InitialClockMs = DefaultInitialClockMs
	if raw := os.Getenv("INITIAL_CLOCK_MS"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms <= 0 {
			errs = append(errs, fmt.Sprintf("INITIAL_CLOCK_MS must be a positive integer (got '%s')", raw))
		} else {
			cfg.InitialClockMs = ms
		}
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true" || cfg.GoEnv == "development"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "60-M")

	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port".
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

// logValidatedConfig logs the validated configuration with secrets redacted.
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"client_origin", cfg.ClientOrigin,
		"social_graph_addr", cfg.SocialGraphAddr,
		"initial_clock_ms", cfg.InitialClockMs,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"rate_limit_ws_ip", cfg.RateLimitWsIP,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
