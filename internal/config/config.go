// Package config loads agent configuration from file and environment.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level agent configuration. Ambient globals (base
// URL, data dir) are explicit values injected at construction time,
// never read from package state.
type Config struct {
	DataDir     string      `mapstructure:"data_dir"`
	API         API         `mapstructure:"api"`
	Sync        Sync        `mapstructure:"sync"`
	Identity    Identity    `mapstructure:"identity"`
	Enforcement Enforcement `mapstructure:"enforcement"`
}

// API configures the backend endpoints and HTTP timeouts.
type API struct {
	BaseURL               string `mapstructure:"base_url"`
	FallbackBaseURL       string `mapstructure:"fallback_base_url"`
	ConnectTimeoutSeconds int    `mapstructure:"connect_timeout_seconds"`
	ReadTimeoutSeconds    int    `mapstructure:"read_timeout_seconds"`
}

// Sync configures the periodic sync cycle.
type Sync struct {
	IntervalMinutes int `mapstructure:"interval_minutes"`
	BackfillDays    int `mapstructure:"backfill_days"`
	BatchSize       int `mapstructure:"batch_size"`
}

// Identity names this child device against the backend.
type Identity struct {
	UserID   string `mapstructure:"user_id"`
	DeviceID string `mapstructure:"device_id"`
}

// Enforcement configures the decision path.
type Enforcement struct {
	RedirectCommand string   `mapstructure:"redirect_command"`
	DenyPackages    []string `mapstructure:"deny_packages"`
}

// expandPath replaces a leading ~ with the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// Load reads configuration from the given path (or the default
// location) and returns a Config with all defaults applied. A missing
// config file is not an error: the defaults stand.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("data_dir", DefaultDataDir)
	v.SetDefault("api.base_url", DefaultBaseURL)
	v.SetDefault("api.fallback_base_url", "")
	v.SetDefault("api.connect_timeout_seconds", DefaultConnectTimeoutSeconds)
	v.SetDefault("api.read_timeout_seconds", DefaultReadTimeoutSeconds)
	v.SetDefault("sync.interval_minutes", DefaultSyncIntervalMinutes)
	v.SetDefault("sync.backfill_days", DefaultBackfillDays)
	v.SetDefault("sync.batch_size", DefaultBatchSize)
	v.SetDefault("enforcement.redirect_command", "")
	v.SetDefault("enforcement.deny_packages", []string{})

	if cfgFile != "" {
		v.SetConfigFile(expandPath(cfgFile))
	} else {
		v.AddConfigPath(expandPath(DefaultConfigDir))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("SKAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.DataDir = expandPath(cfg.DataDir)
	return &cfg, nil
}
