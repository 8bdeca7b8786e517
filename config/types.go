package config

import (
	"time"

	"github.com/s0up4200/redminer/connpool"
)

// Config represents the complete configuration structure
type Config struct {
	Redmine RedmineConfig `mapstructure:"redmine"`
	Pool    PoolConfig    `mapstructure:"pool"`
	Filter  FilterConfig  `mapstructure:"filter"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// RedmineConfig holds the server address, credentials and request settings
type RedmineConfig struct {
	URL         string  `mapstructure:"url"`
	APIKey      string  `mapstructure:"api_key"`
	Username    string  `mapstructure:"username"`
	Password    string  `mapstructure:"password"`
	Impersonate string  `mapstructure:"impersonate"`
	Format      string  `mapstructure:"format"`
	PageSize    int     `mapstructure:"page_size"`
	Concurrency int     `mapstructure:"concurrency"`
	Timeout     int     `mapstructure:"timeout"`    // seconds
	RateLimit   float64 `mapstructure:"rate_limit"` // requests per second, 0 disables
	RateBurst   int     `mapstructure:"rate_burst"`
}

// placeholderAPIKey is the api_key value shipped in the sample config
const placeholderAPIKey = "your-api-key-here"

// HasAPIKey reports whether a real API key is configured. The sample
// placeholder counts as unset.
func (c RedmineConfig) HasAPIKey() bool {
	return c.APIKey != "" && c.APIKey != placeholderAPIKey
}

// TimeoutDuration returns the request timeout
func (c RedmineConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// PoolConfig sizes the connection pool. Durations are in seconds.
type PoolConfig struct {
	MaxConnections   int `mapstructure:"max_connections"`
	EvictionInterval int `mapstructure:"eviction_interval"`
	IdleTimeout      int `mapstructure:"idle_timeout"`
	ConnectionTTL    int `mapstructure:"connection_ttl"`
}

// Options converts the pool section to connpool options. An
// eviction_interval of 0 turns eviction off.
func (p PoolConfig) Options() connpool.Options {
	interval := time.Duration(p.EvictionInterval) * time.Second
	if interval == 0 {
		interval = connpool.NoEviction
	}
	return connpool.Options{
		MaxConnections:   p.MaxConnections,
		EvictionInterval: interval,
		IdleTimeout:      time.Duration(p.IdleTimeout) * time.Second,
		ConnectionTTL:    time.Duration(p.ConnectionTTL) * time.Second,
		DialTimeout:      connpool.DefaultDialTimeout,
	}
}

// FilterConfig contains named filter expressions
type FilterConfig struct {
	Presets map[string]string `mapstructure:"presets"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Color  bool   `mapstructure:"color"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Listen disables it.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}
