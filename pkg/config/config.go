package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// Driver selects the change request store: "sqlite" or "postgres".
	Driver       string
	DatabaseURL  string
	DatabasePath string

	// RedisAddr enables the shared replay guard; empty keeps the
	// in-process guard.
	RedisAddr string

	TelegramToken   string
	TelegramChatID  string
	TelegramAdminID int64

	JWTSecret string

	// StateDir holds drift baselines and load history.
	StateDir       string
	ConfigArtifact string

	// PlanPath points at the YAML rollout plan; empty uses the built-in
	// default stages.
	PlanPath string

	RequestTTL time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	driver := os.Getenv("STORE_DRIVER")
	if driver == "" {
		driver = "sqlite"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		// Default to local generic postgres
		dbURL = "postgres://gatekeeper@localhost:5432/gatekeeper?sslmode=disable"
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "gatekeeper.db"
	}

	stateDir := os.Getenv("STATE_DIR")
	if stateDir == "" {
		stateDir = ".gatekeeper"
	}

	ttl := 30 * time.Minute
	if raw := os.Getenv("REQUEST_TTL_MINUTES"); raw != "" {
		if minutes, err := strconv.Atoi(raw); err == nil && minutes > 0 {
			ttl = time.Duration(minutes) * time.Minute
		}
	}

	var adminID int64
	if raw := os.Getenv("TELEGRAM_ADMIN_ID"); raw != "" {
		adminID, _ = strconv.ParseInt(raw, 10, 64)
	}

	return &Config{
		Port:            port,
		LogLevel:        logLevel,
		Driver:          driver,
		DatabaseURL:     dbURL,
		DatabasePath:    dbPath,
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		TelegramToken:   os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:  os.Getenv("TELEGRAM_CHAT_ID"),
		TelegramAdminID: adminID,
		JWTSecret:       os.Getenv("JWT_SECRET"),
		StateDir:        stateDir,
		ConfigArtifact:  os.Getenv("CONFIG_ARTIFACT"),
		PlanPath:        os.Getenv("ROLLOUT_PLAN"),
		RequestTTL:      ttl,
	}
}
