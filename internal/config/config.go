// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"starsync/internal/model"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel string `mapstructure:"LOG_LEVEL"`
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	DBURL    string `mapstructure:"DB_URL"`

	GithubToken         string `mapstructure:"GITHUB_TOKEN"`
	GithubWebhookSecret string `mapstructure:"GITHUB_WEBHOOK_SECRET"`

	OneDevAPIURL         string `mapstructure:"ONEDEV_API_URL"`
	OneDevAPIToken       string `mapstructure:"ONEDEV_API_TOKEN"`
	OneDevRepoPrefix     string `mapstructure:"ONEDEV_REPO_PREFIX"`
	OneDevConflictPolicy string `mapstructure:"ONEDEV_CONFLICT_POLICY"`

	GitTempDir               string        `mapstructure:"GIT_TEMP_DIR"`
	GitCloneDepth            int           `mapstructure:"GIT_CLONE_DEPTH"`
	TransferTimeout          time.Duration `mapstructure:"TRANSFER_TIMEOUT"`
	LargeRepoSizeKB          int64         `mapstructure:"LARGE_REPO_SIZE_KB"`
	LargeRepoTransferTimeout time.Duration `mapstructure:"LARGE_REPO_TRANSFER_TIMEOUT"`

	MaxRetries         int           `mapstructure:"MAX_RETRIES"`
	RetryBaseWait      time.Duration `mapstructure:"RETRY_BASE_WAIT"`
	RetryMaxWait       time.Duration `mapstructure:"RETRY_MAX_WAIT"`
	SyncWorkers        int           `mapstructure:"SYNC_WORKERS"`
	SyncQueueSize      int           `mapstructure:"SYNC_QUEUE_SIZE"`
	RetrySweepInterval time.Duration `mapstructure:"RETRY_SWEEP_INTERVAL"`
}

// ConflictPolicy returns the configured destination name conflict policy.
func (c *Config) ConflictPolicy() model.ConflictPolicy {
	return model.ConflictPolicy(c.OneDevConflictPolicy)
}

// LoadConfig reads configuration from file and/or environment variables.
func LoadConfig() (*Config, error) {
	// Set default values
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("HTTP_ADDR", ":8000")
	viper.SetDefault("ONEDEV_REPO_PREFIX", "github-")
	viper.SetDefault("ONEDEV_CONFLICT_POLICY", string(model.ConflictReuse))
	viper.SetDefault("GIT_TEMP_DIR", os.TempDir())
	viper.SetDefault("GIT_CLONE_DEPTH", 0)
	viper.SetDefault("TRANSFER_TIMEOUT", "30m")
	viper.SetDefault("LARGE_REPO_SIZE_KB", 1048576)
	viper.SetDefault("LARGE_REPO_TRANSFER_TIMEOUT", "2h")
	viper.SetDefault("MAX_RETRIES", 3)
	viper.SetDefault("RETRY_BASE_WAIT", "4s")
	viper.SetDefault("RETRY_MAX_WAIT", "60s")
	viper.SetDefault("SYNC_WORKERS", 4)
	viper.SetDefault("SYNC_QUEUE_SIZE", 64)
	viper.SetDefault("RETRY_SWEEP_INTERVAL", "30s")

	// Load from .env file if it exists
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig() // Ignore error if file not found

	// Bind environment variables
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate required fields
	if cfg.DBURL == "" {
		return nil, errors.New("DB_URL is a required configuration field")
	}
	if cfg.GithubToken == "" {
		return nil, errors.New("GITHUB_TOKEN is a required configuration field")
	}
	if cfg.GithubWebhookSecret == "" {
		return nil, errors.New("GITHUB_WEBHOOK_SECRET is a required configuration field")
	}
	if cfg.OneDevAPIURL == "" {
		return nil, errors.New("ONEDEV_API_URL is a required configuration field")
	}
	if cfg.OneDevAPIToken == "" {
		return nil, errors.New("ONEDEV_API_TOKEN is a required configuration field")
	}
	if !cfg.ConflictPolicy().Valid() {
		return nil, fmt.Errorf("ONEDEV_CONFLICT_POLICY must be one of reuse, suffix, fail (got %q)", cfg.OneDevConflictPolicy)
	}
	if cfg.MaxRetries < 0 {
		return nil, errors.New("MAX_RETRIES must not be negative")
	}
	if cfg.RetryBaseWait <= 0 || cfg.RetryMaxWait < cfg.RetryBaseWait {
		return nil, errors.New("RETRY_BASE_WAIT must be positive and RETRY_MAX_WAIT must not be smaller")
	}
	if cfg.SyncWorkers <= 0 {
		return nil, errors.New("SYNC_WORKERS must be positive")
	}
	if cfg.SyncQueueSize <= 0 {
		return nil, errors.New("SYNC_QUEUE_SIZE must be positive")
	}
	if cfg.TransferTimeout <= 0 {
		return nil, errors.New("TRANSFER_TIMEOUT must be positive")
	}

	cfg.OneDevAPIURL = strings.TrimRight(cfg.OneDevAPIURL, "/")

	return &cfg, nil
}
