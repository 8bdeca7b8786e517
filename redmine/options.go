package redmine

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/s0up4200/redminer/connpool"
	"github.com/s0up4200/redminer/telemetry"
)

// Client defaults
const (
	DefaultPageSize    = 25
	MaxPageSize        = 100
	DefaultConcurrency = 4
	DefaultTimeout     = 30 * time.Second
	DefaultUserAgent   = "redminer"
)

type settings struct {
	apiKey      string
	username    string
	password    string
	format      Format
	pool        connpool.Options
	pageSize    int
	concurrency int
	timeout     time.Duration
	userAgent   string
	rateLimit   rate.Limit
	rateBurst   int
	impersonate string
	registry    *telemetry.Registry
}

func defaultSettings() settings {
	return settings{
		format:      FormatJSON,
		pool:        connpool.DefaultOptions(),
		pageSize:    DefaultPageSize,
		concurrency: DefaultConcurrency,
		timeout:     DefaultTimeout,
		userAgent:   DefaultUserAgent,
	}
}

// Option configures a Client.
type Option func(*settings)

// WithAPIKey authenticates with a Redmine API access key.
func WithAPIKey(key string) Option {
	return func(s *settings) {
		s.apiKey = key
	}
}

// WithBasicAuth authenticates with a login and password.
func WithBasicAuth(username, password string) Option {
	return func(s *settings) {
		s.username = username
		s.password = password
	}
}

// WithFormat selects JSON (the default) or XML.
func WithFormat(format Format) Option {
	return func(s *settings) {
		s.format = format
	}
}

// WithPool sizes the connection pool and its evictor. Zero fields take the
// connpool defaults, so eviction stays on unless EvictionInterval is
// connpool.NoEviction.
func WithPool(opts connpool.Options) Option {
	return func(s *settings) {
		s.pool = opts
	}
}

// WithPageSize sets how many objects each listing request asks for.
func WithPageSize(n int) Option {
	return func(s *settings) {
		s.pageSize = n
	}
}

// WithConcurrency bounds how many pages ListAll fetches at once.
func WithConcurrency(n int) Option {
	return func(s *settings) {
		s.concurrency = n
	}
}

// WithTimeout bounds each HTTP exchange.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.timeout = d
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(agent string) Option {
	return func(s *settings) {
		s.userAgent = agent
	}
}

// WithRateLimit caps the request rate at perSecond with the given burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *settings) {
		s.rateLimit = rate.Limit(perSecond)
		s.rateBurst = burst
	}
}

// WithImpersonation runs every request as login. Needs admin credentials.
func WithImpersonation(login string) Option {
	return func(s *settings) {
		s.impersonate = login
	}
}

// WithRegistry shares a telemetry registry with the caller. The client does
// not close a registry it did not create.
func WithRegistry(registry *telemetry.Registry) Option {
	return func(s *settings) {
		s.registry = registry
	}
}
