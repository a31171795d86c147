package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration, read once at startup.
// No other package reads environment variables directly.
type Config struct {
	Env  string
	Port string

	DatabaseURL string
	RedisURL    string
	SentryDSN   string

	// TokenSigningKey is the raw HMAC key for access/refresh tokens.
	TokenSigningKey []byte
	// TokenAlgorithm selects the MAC family: HS256, HS384 or HS512.
	TokenAlgorithm  string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// VaultKeyHex is the AES-256 key for the credential vault (64 hex chars).
	VaultKeyHex string

	MFAIssuer string

	LoginFailureThreshold int
	LoginFailureWindow    time.Duration
	LockoutDuration       time.Duration

	HealthCheckInterval time.Duration
	ProbeTimeout        time.Duration
	RelayMaxRetries     int
}

// Load reads configuration from environment variables.
// It returns an error for missing required keys rather than panicking,
// so cmd/api can log and exit cleanly.
func Load() (Config, error) {
	cfg := Config{
		Env:  getEnv("APP_ENV", "development"),
		Port: getEnv("PORT", "8080"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),
		SentryDSN:   os.Getenv("SENTRY_DSN"),

		TokenAlgorithm:  getEnv("TOKEN_ALGORITHM", "HS256"),
		AccessTokenTTL:  time.Duration(getEnvAsInt("ACCESS_TOKEN_MINUTES", 60)) * time.Minute,
		RefreshTokenTTL: time.Duration(getEnvAsInt("REFRESH_TOKEN_DAYS", 7)) * 24 * time.Hour,

		VaultKeyHex: os.Getenv("VAULT_KEY"),

		MFAIssuer: getEnv("MFA_ISSUER", "ModelGate"),

		LoginFailureThreshold: getEnvAsInt("LOGIN_FAILURE_THRESHOLD", 5),
		LoginFailureWindow:    time.Duration(getEnvAsInt("LOGIN_FAILURE_WINDOW_MINUTES", 15)) * time.Minute,
		LockoutDuration:       time.Duration(getEnvAsInt("LOCKOUT_MINUTES", 30)) * time.Minute,

		HealthCheckInterval: time.Duration(getEnvAsInt("HEALTH_CHECK_SECONDS", 60)) * time.Second,
		ProbeTimeout:        time.Duration(getEnvAsInt("PROBE_TIMEOUT_SECONDS", 5)) * time.Second,
		RelayMaxRetries:     getEnvAsInt("RELAY_MAX_RETRIES", 3),
	}

	keyHex := os.Getenv("TOKEN_SIGNING_KEY")
	if keyHex == "" {
		return cfg, fmt.Errorf("TOKEN_SIGNING_KEY is required")
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return cfg, fmt.Errorf("TOKEN_SIGNING_KEY must be hex: %w", err)
	}
	if len(key) < 32 {
		return cfg, fmt.Errorf("TOKEN_SIGNING_KEY must be at least 32 bytes, got %d", len(key))
	}
	cfg.TokenSigningKey = key

	switch cfg.TokenAlgorithm {
	case "HS256", "HS384", "HS512":
	default:
		return cfg, fmt.Errorf("unsupported TOKEN_ALGORITHM %q", cfg.TokenAlgorithm)
	}

	if len(cfg.VaultKeyHex) != 64 {
		return cfg, fmt.Errorf("VAULT_KEY must be exactly 32 bytes (64 hex characters)")
	}

	return cfg, nil
}

func getEnv(name, defaultVal string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultVal
}

func getEnvAsInt(name string, defaultVal int) int {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}
