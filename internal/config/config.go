package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for tradewire.
type Config struct {
	Storage Storage `yaml:"storage"`
	API     API     `yaml:"api"`
	Stream  Stream  `yaml:"stream"`
	Logging Logging `yaml:"logging"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
	TokenCache string `yaml:"token_cache"`
}

// API holds app credentials and endpoints for the brokerage REST API.
type API struct {
	BaseURL         string `yaml:"base_url"`
	AuthURL         string `yaml:"auth_url"`
	TokenURL        string `yaml:"token_url"`
	AppKey          string `yaml:"app_key"`
	RedirectURL     string `yaml:"redirect_url"`
	TimeoutSecs     int    `yaml:"timeout_secs"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// Stream configures the streaming session.
type Stream struct {
	AccountID        string   `yaml:"account_id"`
	QOSLevel         int      `yaml:"qos_level"`
	Symbols          []string `yaml:"symbols"`
	HeartbeatSecs    int      `yaml:"heartbeat_secs"`
	LoginTimeoutSecs int      `yaml:"login_timeout_secs"`
	BackoffBaseSecs  int      `yaml:"backoff_base_secs"`
	BackoffMaxSecs   int      `yaml:"backoff_max_secs"`
	SinkBuffer       int      `yaml:"sink_buffer"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, and then applies environment variable overrides. App key
// and redirect URL are required; a missing value is a setup error reported
// synchronously.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if cfg.API.AppKey == "" {
		return nil, fmt.Errorf("config: api.app_key is required")
	}
	if cfg.API.RedirectURL == "" {
		return nil, fmt.Errorf("config: api.redirect_url is required")
	}

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("TOKEN_CACHE"); v != "" {
		cfg.Storage.TokenCache = v
	}

	if v := os.Getenv("TRADEWIRE_APP_KEY"); v != "" {
		cfg.API.AppKey = v
	}

	if v := os.Getenv("TRADEWIRE_REDIRECT_URL"); v != "" {
		cfg.API.RedirectURL = v
	}

	if v := os.Getenv("TRADEWIRE_ACCOUNT_ID"); v != "" {
		cfg.Stream.AccountID = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
