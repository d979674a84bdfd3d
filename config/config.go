// Package config loads and validates the notifier configuration.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full configuration surface consumed by the notifier. It is
// built once in main and passed down; no other package reads the environment.
type Config struct {
	// Dashboard push target.
	DashboardBase     string `mapstructure:"dashboard_base"`
	DashboardLogin    string `mapstructure:"dashboard_login"`
	DashboardPassword string `mapstructure:"dashboard_password"`

	// NWS alert feed.
	FeedURL   string `mapstructure:"feed_url"`
	UserAgent string `mapstructure:"user_agent"`

	// Poll loop.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Workers      int           `mapstructure:"workers"`

	// Retry/backoff policy for network operations.
	FetchAttempts  uint          `mapstructure:"fetch_attempts"`
	LoginAttempts  uint          `mapstructure:"login_attempts"`
	PushAttempts   uint          `mapstructure:"push_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`

	// Minimum spacing between push requests to the dashboard.
	PushMinInterval time.Duration `mapstructure:"push_min_interval"`

	// Durable state locations.
	SeenDBPath    string `mapstructure:"seen_db_path"`
	CookieJarPath string `mapstructure:"cookie_jar_path"`
	LogDir        string `mapstructure:"log_dir"`

	// Maintenance sweep: records and log files older than this are pruned
	// on the first cycle of each calendar month.
	RetentionDays int `mapstructure:"retention_days"`

	// Alert filtering.
	IgnoredEvents []string `mapstructure:"ignored_events"`

	// Polygon simplification.
	SimplifyEnabled   bool    `mapstructure:"simplify_enabled"`
	SimplifyTolerance float64 `mapstructure:"simplify_tolerance"`
	SimplifyMaxPoints int     `mapstructure:"simplify_max_points"`

	// Status HTTP server; empty disables it.
	StatusAddr string `mapstructure:"status_addr"`
}

// Load reads configuration from the optional YAML file at path, with
// environment variables taking precedence for the secrets. A .env file in
// the working directory is folded into the environment first, so deployments
// can keep credentials out of the config file.
func Load(path string) (*Config, error) {
	// Best effort: a missing .env is fine.
	_ = godotenv.Load()

	v := viper.New()

	v.SetDefault("feed_url", "https://api.weather.gov/alerts/active")
	v.SetDefault("user_agent", "nws-notifier/1.0 (weather alert push relay)")
	v.SetDefault("poll_interval", "60s")
	v.SetDefault("workers", 3)
	v.SetDefault("fetch_attempts", 4)
	v.SetDefault("login_attempts", 3)
	v.SetDefault("push_attempts", 4)
	v.SetDefault("retry_base_delay", "1s")
	v.SetDefault("retry_max_delay", "30s")
	v.SetDefault("push_min_interval", "2s")
	v.SetDefault("seen_db_path", "data/nws_alerts_seen.sqlite3")
	v.SetDefault("cookie_jar_path", "data/dashboard_cookies.json")
	v.SetDefault("log_dir", "logs")
	v.SetDefault("retention_days", 30)
	v.SetDefault("ignored_events", []string{"Small Craft Advisory", "Special Marine Warning"})
	v.SetDefault("simplify_enabled", true)
	v.SetDefault("simplify_tolerance", 0.001)
	v.SetDefault("simplify_max_points", 300)
	v.SetDefault("status_addr", ":8080")

	// Secrets and the target URL come from the environment in production.
	_ = v.BindEnv("dashboard_base", "DASHBOARD_BASE")
	_ = v.BindEnv("dashboard_login", "GB_LOGIN")
	_ = v.BindEnv("dashboard_password", "GB_PASSWORD")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DashboardBase == "" {
		return errors.New("dashboard_base (or DASHBOARD_BASE) is required")
	}
	if c.DashboardLogin == "" || c.DashboardPassword == "" {
		return errors.New("dashboard credentials (GB_LOGIN/GB_PASSWORD) are required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("retention_days must be at least 1, got %d", c.RetentionDays)
	}
	return nil
}

// Retention returns the prune cutoff age as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
