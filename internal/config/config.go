package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	RedisURL    string
	DatabaseURL string

	LockWindow     time.Duration
	StartingTokens int64

	ArchiveListLimit   int
	MessageOverrideDir string
}

// Load reads configuration from the environment, after best-effort loading a
// local .env file. REDIS_URL is required; DATABASE_URL is optional and merely
// disables the durable archive mirror when empty.
func Load() (*AppConfig, error) {
	_ = godotenv.Load()

	cfg := &AppConfig{
		LockWindow:       100 * time.Millisecond,
		StartingTokens:   5,
		ArchiveListLimit: 20,
	}

	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.MessageOverrideDir = strings.TrimSpace(os.Getenv("MESSAGE_OVERRIDE_DIR"))

	if v := strings.TrimSpace(os.Getenv("LOCK_WINDOW_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LockWindow = time.Duration(n) * time.Millisecond
		}
	}
	if v := strings.TrimSpace(os.Getenv("STARTING_TOKENS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.StartingTokens = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("ARCHIVE_LIST_LIMIT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ArchiveListLimit = n
		}
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	return cfg, nil
}
