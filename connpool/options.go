package connpool

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"
)

// Default pool settings
const (
	DefaultMaxConnections   = 20
	DefaultEvictionInterval = 30 * time.Second
	DefaultIdleTimeout      = 60 * time.Second
	DefaultDialTimeout      = 30 * time.Second
	defaultKeepAlive        = 30 * time.Second

	// NoEviction as EvictionInterval turns the evictor off.
	NoEviction time.Duration = -1
)

// ErrInvalidOptions is wrapped by every Options validation failure
var ErrInvalidOptions = errors.New("invalid connection pool options")

// Options sizes the pool and its evictor.
type Options struct {
	// MaxConnections caps open connections per host, leased or idle.
	MaxConnections int
	// EvictionInterval is the evictor's tick period. Zero means
	// DefaultEvictionInterval; a negative value such as NoEviction disables
	// eviction.
	EvictionInterval time.Duration
	// IdleTimeout closes connections unused for longer than this.
	IdleTimeout time.Duration
	// ConnectionTTL closes connections older than this regardless of use.
	// Zero means connections never expire.
	ConnectionTTL time.Duration
	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration
	// TLSConfig is used for https endpoints. Nil uses the system defaults.
	TLSConfig *tls.Config
}

// DefaultOptions returns the settings used when none are given.
func DefaultOptions() Options {
	return Options{
		MaxConnections:   DefaultMaxConnections,
		EvictionInterval: DefaultEvictionInterval,
		IdleTimeout:      DefaultIdleTimeout,
		DialTimeout:      DefaultDialTimeout,
	}
}

// Validate reports the first invalid setting.
func (o Options) Validate() error {
	switch {
	case o.MaxConnections <= 0:
		return fmt.Errorf("%w: max connections must be positive, got %d", ErrInvalidOptions, o.MaxConnections)
	case o.IdleTimeout <= 0:
		return fmt.Errorf("%w: idle timeout must be positive", ErrInvalidOptions)
	case o.ConnectionTTL < 0:
		return fmt.Errorf("%w: connection ttl must not be negative", ErrInvalidOptions)
	case o.DialTimeout < 0:
		return fmt.Errorf("%w: dial timeout must not be negative", ErrInvalidOptions)
	}
	return nil
}

// WithDefaults fills zero-valued sizing fields. New applies it, so callers
// only need it to see the effective values.
func (o Options) WithDefaults() Options {
	if o.MaxConnections == 0 {
		o.MaxConnections = DefaultMaxConnections
	}
	if o.EvictionInterval == 0 {
		o.EvictionInterval = DefaultEvictionInterval
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	return o
}
