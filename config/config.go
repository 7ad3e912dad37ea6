package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const (
	AppName     = "authsession"
	EnvFileName = "config.env"
)

const (
	defaultBaseURL       = "http://localhost:8080"
	defaultAPIPath       = "/api/v1"
	defaultTimeout       = 30 * time.Second
	defaultRetryCount    = 2
	defaultRenewalMargin = 30 * time.Second
	defaultDBPath        = "sessions.db"
	defaultProfile       = "default"
)

// Config is the client configuration read from the environment.
type Config struct {
	BaseURL string
	APIPath string
	Timeout time.Duration
	// RetryCount is the number of retries after the first attempt, -1 for none.
	RetryCount    int
	AutoRefresh   bool
	RenewalMargin time.Duration
	DBPath        string
	TokenKey      string
	Profile       string
	LogLevel      zerolog.Level
}

// LoadEnvFile loads environment variables from the config file in the user's
// config directory. Errors are ignored since the file may not exist.
func LoadEnvFile() {
	configBase, err := os.UserConfigDir()
	if err != nil {
		return
	}
	configPath := filepath.Join(configBase, AppName, EnvFileName)
	_ = godotenv.Load(configPath)
}

// Load reads the configuration from AUTH_* environment variables, applying
// defaults for unset ones. AUTH_TOKEN_KEY is not required here; commands that
// persist credentials check it themselves.
func Load() (*Config, error) {
	cfg := &Config{
		BaseURL:  getenv("AUTH_BASE_URL", defaultBaseURL),
		APIPath:  getenv("AUTH_API_PATH", defaultAPIPath),
		DBPath:   getenv("AUTH_DB_PATH", defaultDBPath),
		TokenKey: os.Getenv("AUTH_TOKEN_KEY"),
		Profile:  getenv("AUTH_PROFILE", defaultProfile),
	}

	var err error
	if cfg.Timeout, err = durationEnv("AUTH_TIMEOUT", defaultTimeout); err != nil {
		return nil, err
	}
	if cfg.RenewalMargin, err = durationEnv("AUTH_RENEWAL_MARGIN", defaultRenewalMargin); err != nil {
		return nil, err
	}
	if cfg.RetryCount, err = intEnv("AUTH_RETRY_COUNT", defaultRetryCount); err != nil {
		return nil, err
	}
	// transport.Options reads zero as unset; any value <= 0 disables retries.
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = -1
	}
	if cfg.AutoRefresh, err = boolEnv("AUTH_AUTO_REFRESH", true); err != nil {
		return nil, err
	}

	cfg.LogLevel = zerolog.InfoLevel
	if v := os.Getenv("AUTH_LOG_LEVEL"); v != "" {
		if cfg.LogLevel, err = zerolog.ParseLevel(v); err != nil {
			return nil, fmt.Errorf("AUTH_LOG_LEVEL: %w", err)
		}
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration such as 30s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func boolEnv(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean: %w", key, err)
	}
	return b, nil
}
