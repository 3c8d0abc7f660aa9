// Package config loads the service configuration from the environment and an
// optional config.env file in the user's config directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const (
	AppName     = "werkaholic"
	EnvFileName = "config.env"
)

const (
	defaultDBPath      = "werkaholic.db"
	defaultUserID      = "local"
	defaultFrameSource = "dir:frames"
	defaultWebAddr     = ":8080"
)

// requiredEnvVars lists the environment variables the service cannot start without.
var requiredEnvVars = []string{"GEMINI_API_KEY"}

// Config is the service configuration.
type Config struct {
	GeminiAPIKey string
	DBPath       string
	UserID       string

	// FrameSource is one of dir:PATH, file:PATH, camera:N or an http(s) snapshot URL.
	FrameSource      string
	SnapshotUser     string
	SnapshotPassword string

	// Zero durations fall back to the scanner defaults.
	ScanInterval    time.Duration
	DwellTime       time.Duration
	DuplicateWindow time.Duration
	AutoStart       bool

	// WebAddr is the dashboard listen address. "off" disables the dashboard.
	WebAddr string

	// Telegram is enabled when BotToken is set.
	BotToken        string
	AdminTelegramID int64

	LogLevel zerolog.Level
}

// WebEnabled reports whether the dashboard should be served.
func (c *Config) WebEnabled() bool {
	return c.WebAddr != "" && !strings.EqualFold(c.WebAddr, "off")
}

// TelegramEnabled reports whether the Telegram bot should run.
func (c *Config) TelegramEnabled() bool {
	return c.BotToken != ""
}

// ConfigDir returns the application's config directory path.
// Creates the directory if it doesn't exist.
func ConfigDir() (string, error) {
	configBase, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}

	configDir := filepath.Join(configBase, AppName)
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	return configDir, nil
}

// ConfigFilePath returns the full path to the config file.
func ConfigFilePath() (string, error) {
	configDir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, EnvFileName), nil
}

// LoadEnvFile loads environment variables from the config file in the user's
// config directory. Errors are ignored since the file may not exist.
// Variables already set in the environment take precedence.
func LoadEnvFile() {
	configPath, err := ConfigFilePath()
	if err != nil {
		return
	}
	_ = godotenv.Load(configPath)
}

// CheckRequiredConfig returns the names of any missing required variables.
func CheckRequiredConfig() []string {
	var missing []string
	for _, v := range requiredEnvVars {
		if os.Getenv(v) == "" {
			missing = append(missing, v)
		}
	}
	return missing
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		GeminiAPIKey:     os.Getenv("GEMINI_API_KEY"),
		DBPath:           envOr("WERKAHOLIC_DB_PATH", defaultDBPath),
		UserID:           envOr("WERKAHOLIC_USER_ID", defaultUserID),
		FrameSource:      envOr("FRAME_SOURCE", defaultFrameSource),
		SnapshotUser:     os.Getenv("SNAPSHOT_USER"),
		SnapshotPassword: os.Getenv("SNAPSHOT_PASSWORD"),
		WebAddr:          envOr("WEB_ADDR", defaultWebAddr),
		BotToken:         os.Getenv("BOT_TOKEN"),
		LogLevel:         zerolog.InfoLevel,
	}

	var errs []error

	if missing := CheckRequiredConfig(); len(missing) > 0 {
		errs = append(errs, fmt.Errorf("missing required config: %s", strings.Join(missing, ", ")))
	}

	var err error
	if cfg.ScanInterval, err = parseDuration("SCAN_INTERVAL"); err != nil {
		errs = append(errs, err)
	}
	if cfg.DwellTime, err = parseDuration("DWELL_TIME"); err != nil {
		errs = append(errs, err)
	}
	if cfg.DuplicateWindow, err = parseDuration("DUPLICATE_WINDOW"); err != nil {
		errs = append(errs, err)
	}

	if v := os.Getenv("AUTO_START"); v != "" {
		if cfg.AutoStart, err = strconv.ParseBool(v); err != nil {
			errs = append(errs, fmt.Errorf("AUTO_START must be a boolean: %w", err))
		}
	}

	if v := os.Getenv("ADMIN_TELEGRAM_ID"); v != "" {
		if cfg.AdminTelegramID, err = strconv.ParseInt(v, 10, 64); err != nil {
			errs = append(errs, fmt.Errorf("ADMIN_TELEGRAM_ID must be a valid integer: %w", err))
		}
	} else if cfg.BotToken != "" {
		errs = append(errs, errors.New("ADMIN_TELEGRAM_ID is required when BOT_TOKEN is set"))
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if cfg.LogLevel, err = zerolog.ParseLevel(strings.ToLower(v)); err != nil {
			errs = append(errs, fmt.Errorf("invalid LOG_LEVEL: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// parseDuration accepts Go durations ("18s") and plain milliseconds ("18000").
func parseDuration(key string) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		if ms <= 0 {
			return 0, fmt.Errorf("%s must be positive", key)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 18s or milliseconds: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}
