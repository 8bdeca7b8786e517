package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/s0up4200/redminer/connpool"
	"github.com/s0up4200/redminer/redmine"
)

// EnvPrefix prefixes environment overrides: REDMINER_REDMINE_API_KEY sets
// redmine.api_key.
const EnvPrefix = "REDMINER"

// Load loads the configuration. An explicit configPath must exist; without
// one the standard locations are searched and a missing file is fine as long
// as the environment supplies the required keys.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")

		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".redminer"))
		}
		v.AddConfigPath("/etc/redminer/")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values. Every key gets one so that
// AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("redmine.url", "")
	v.SetDefault("redmine.api_key", "")
	v.SetDefault("redmine.username", "")
	v.SetDefault("redmine.password", "")
	v.SetDefault("redmine.impersonate", "")
	v.SetDefault("redmine.format", string(redmine.FormatJSON))
	v.SetDefault("redmine.page_size", redmine.DefaultPageSize)
	v.SetDefault("redmine.concurrency", redmine.DefaultConcurrency)
	v.SetDefault("redmine.timeout", int(redmine.DefaultTimeout.Seconds()))
	v.SetDefault("redmine.rate_limit", 0)
	v.SetDefault("redmine.rate_burst", 1)

	v.SetDefault("pool.max_connections", connpool.DefaultMaxConnections)
	v.SetDefault("pool.eviction_interval", int(connpool.DefaultEvictionInterval.Seconds()))
	v.SetDefault("pool.idle_timeout", int(connpool.DefaultIdleTimeout.Seconds()))
	v.SetDefault("pool.connection_ttl", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.color", true)

	v.SetDefault("metrics.listen", "")
}

// validate checks if the configuration is valid
func validate(cfg *Config) error {
	r := cfg.Redmine
	if r.URL == "" {
		return fmt.Errorf("redmine.url is required")
	}

	hasKey := r.HasAPIKey()
	hasLogin := r.Username != ""
	switch {
	case hasKey && hasLogin:
		return fmt.Errorf("set either redmine.api_key or redmine.username, not both")
	case !hasKey && !hasLogin:
		return fmt.Errorf("redmine.api_key or redmine.username/redmine.password must be set")
	case hasLogin && r.Password == "":
		return fmt.Errorf("redmine.password is required with redmine.username")
	}

	if _, err := redmine.ParseFormat(r.Format); err != nil {
		return fmt.Errorf("invalid redmine.format: %s", r.Format)
	}
	if r.PageSize < 1 || r.PageSize > redmine.MaxPageSize {
		return fmt.Errorf("redmine.page_size must be between 1 and %d", redmine.MaxPageSize)
	}
	if r.Concurrency < 1 {
		return fmt.Errorf("redmine.concurrency must be positive")
	}
	if r.Timeout < 0 {
		return fmt.Errorf("redmine.timeout must not be negative")
	}
	if r.RateLimit < 0 {
		return fmt.Errorf("redmine.rate_limit must not be negative")
	}
	if r.RateLimit > 0 && r.RateBurst < 1 {
		return fmt.Errorf("redmine.rate_burst must be positive when rate_limit is set")
	}

	p := cfg.Pool
	if p.MaxConnections < 1 {
		return fmt.Errorf("pool.max_connections must be positive")
	}
	if p.IdleTimeout < 1 {
		return fmt.Errorf("pool.idle_timeout must be positive")
	}
	if p.EvictionInterval < 0 || p.ConnectionTTL < 0 {
		return fmt.Errorf("pool.eviction_interval and pool.connection_ttl must not be negative")
	}

	for name, expression := range cfg.Filter.Presets {
		if strings.TrimSpace(expression) == "" {
			return fmt.Errorf("filter.presets.%s is empty", name)
		}
	}

	validLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s", cfg.Logging.Level)
	}

	validFormats := map[string]bool{
		"console": true,
		"json":    true,
	}
	if !validFormats[cfg.Logging.Format] {
		return fmt.Errorf("invalid logging format: %s", cfg.Logging.Format)
	}

	return nil
}
