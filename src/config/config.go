package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig holds all configuration for the application.
// The values are loaded from environment variables.
type AppConfig struct {
	// Core settings
	Port         string
	DatabasePath string
	LogLevel     string

	// Security settings
	JWTSecret          string
	SessionTokenExpiry time.Duration

	// Ledger RPC settings
	LedgerRPCURL     string
	LedgerRPCTimeout time.Duration

	// Confirmation tracking settings
	ConfirmationThreshold int64
	TrackingPollInterval  time.Duration
	TrackingTimeout       time.Duration
	// Upper bound on ledger status polls per second across all trackers.
	TrackingPollRate float64

	// Notification settings
	NotifyOnPending    bool
	SessionNotifExpiry time.Duration

	// Staking settings
	MinStakeLockPeriod time.Duration

	// Ledger address allowed to move funds on a buyer's behalf once an
	// allowance is approved.
	PlatformSpender string

	// Frontend URL for reference (e.g., CORS)
	FrontendBaseURL string
}

// Cfg is a global instance of the AppConfig.
var Cfg *AppConfig

// LoadConfig loads configuration from environment variables or a .env file.
// It centralizes all configuration logic for the application.
func LoadConfig() {
	// 1. Try loading from the current directory (standard behavior)
	errEnv := godotenv.Load()

	// 2. If not found, try loading from the parent directory (common when running from /backend)
	if errEnv != nil {
		errEnv = godotenv.Load("../.env")
	}

	if errEnv != nil {
		if os.IsNotExist(errEnv) {
			log.Println("Info: No .env file found in current or parent directory. Relying on OS environment variables (expected in production).")
		} else {
			log.Printf("Warning: Error loading .env file: %v. Relying on OS environment variables.", errEnv)
		}
	} else {
		log.Println(".env file loaded successfully.")
	}

	log.Println("Loading application configuration...")

	jwtSecret := getRequiredEnv("JWT_SECRET")

	Cfg = &AppConfig{
		// Core
		Port:         getEnv("PORT", "8080"),
		DatabasePath: getEnv("DATABASE_PATH", "./brickfolio.db"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),

		// Security
		JWTSecret:          jwtSecret,
		SessionTokenExpiry: getEnvAsDuration("SESSION_TOKEN_EXPIRY", 12*time.Hour),

		// Ledger RPC
		LedgerRPCURL:     getEnv("LEDGER_RPC_URL", "http://localhost:8545"),
		LedgerRPCTimeout: getEnvAsDuration("LEDGER_RPC_TIMEOUT", 15*time.Second),

		// Confirmation tracking
		ConfirmationThreshold: int64(getEnvAsInt("CONFIRMATION_THRESHOLD", 3)),
		TrackingPollInterval:  getEnvAsDuration("TRACKING_POLL_INTERVAL", 5*time.Second),
		TrackingTimeout:       getEnvAsDuration("TRACKING_TIMEOUT", 5*time.Minute),
		TrackingPollRate:      getEnvAsFloat("TRACKING_POLL_RATE", 10.0),

		// Notifications
		NotifyOnPending:    getEnvAsBool("NOTIFY_ON_PENDING", false),
		SessionNotifExpiry: getEnvAsDuration("SESSION_NOTIF_EXPIRY", 12*time.Hour),

		// Staking
		MinStakeLockPeriod: getEnvAsDuration("MIN_STAKE_LOCK_PERIOD", 720*time.Hour), // 30 days

		PlatformSpender: getEnv("PLATFORM_SPENDER", "brick1platformescrow"),

		FrontendBaseURL: getEnv("APP_BASE_URL", "http://localhost:3000"),
	}

	log.Printf("Configuration loaded: Port=%s, LogLevel=%s, DBPath=%s, LedgerRPC=%s",
		Cfg.Port, Cfg.LogLevel, Cfg.DatabasePath, Cfg.LedgerRPCURL)
}

// getEnv retrieves an environment variable or returns a fallback value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getRequiredEnv retrieves an environment variable or terminates the application if not set.
func getRequiredEnv(key string) string {
	value, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set or is empty. Application cannot start securely.", key)
	}
	return value
}

// getEnvAsInt retrieves an environment variable as an integer or returns a fallback.
func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid integer value for %s ('%s'), using default: %d", key, valueStr, fallback)
	return fallback
}

// getEnvAsFloat retrieves an environment variable as a float or returns a fallback.
func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	log.Printf("Invalid float value for %s ('%s'), using default: %v", key, valueStr, fallback)
	return fallback
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a fallback.
func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid boolean value for %s ('%s'), using default: %v", key, valueStr, fallback)
	return fallback
}

// getEnvAsDuration retrieves an environment variable as a time.Duration or returns a fallback.
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid duration value for %s ('%s'), using default: %s", key, valueStr, fallback)
	return fallback
}
