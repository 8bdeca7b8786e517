package redmine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/s0up4200/redminer/comm"
	"github.com/s0up4200/redminer/connpool"
	"github.com/s0up4200/redminer/telemetry"
)

// shutdownTimeout bounds how long Close waits for the evictor loop
const shutdownTimeout = 5 * time.Second

// Client is a Redmine REST API session. It owns a connection pool, the
// evictor that trims it, and the request pipeline. Methods are safe for
// concurrent use.
type Client struct {
	baseURL     *url.URL
	format      Format
	pageSize    int
	concurrency int
	logger      zerolog.Logger

	registry     *telemetry.Registry
	ownsRegistry bool
	pool         *connpool.Pool
	evictor      *connpool.Evictor
	pipeline     comm.Communicator[*comm.BasicResponse]

	auth   *comm.Authenticator
	apiKey *comm.APIKeyInjector

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewClient creates a client for the Redmine server at baseURL. No request
// is made; use TestConnection to check the server and credentials.
func NewClient(baseURL string, logger zerolog.Logger, opts ...Option) (*Client, error) {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}

	base, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	if err := s.validate(); err != nil {
		return nil, err
	}

	registry := s.registry
	ownsRegistry := registry == nil
	if ownsRegistry {
		registry = telemetry.NewRegistry(logger)
	}

	poolOpts := s.pool.WithDefaults()
	pool, err := connpool.New(poolOpts, connpool.WithLogger(registry.Logger("pool")))
	if err != nil {
		if ownsRegistry {
			registry.Close()
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	c := &Client{
		baseURL:      base,
		format:       s.format,
		pageSize:     s.pageSize,
		concurrency:  s.concurrency,
		logger:       registry.Logger("redmine"),
		registry:     registry,
		ownsRegistry: ownsRegistry,
		pool:         pool,
		auth:         comm.NewAuthenticator(s.username, s.password),
		apiKey:       comm.NewAPIKeyInjector(s.apiKey),
	}

	communicator := comm.NewBaseCommunicator(
		pool.Client(s.timeout),
		comm.WithLogger(registry.Logger("comm")),
		comm.WithMetrics(registry.Metrics()),
	)
	c.pipeline = comm.NewPipeline(communicator, s.middleware(c.auth, c.apiKey)...)

	c.evictor = connpool.NewEvictor(
		pool,
		poolOpts.EvictionInterval,
		poolOpts.IdleTimeout,
		registry.Logger("evictor"),
		registry.Metrics(),
	)
	c.evictor.Start()

	c.logger.Debug().
		Str("url", comm.SafeURI(base)).
		Str("format", string(s.format)).
		Int("max_connections", poolOpts.MaxConnections).
		Msg("Redmine client created")

	return c, nil
}

// middleware builds the outbound chain, applied in this order.
func (s settings) middleware(auth *comm.Authenticator, apiKey *comm.APIKeyInjector) []comm.Middleware {
	var chain []comm.Middleware
	if s.rateLimit > 0 {
		chain = append(chain, comm.RateLimit(rate.NewLimiter(s.rateLimit, s.rateBurst)))
	}
	chain = append(chain,
		comm.RequestID(),
		comm.UserAgent(s.userAgent),
		comm.AcceptEncoding(),
		auth.Apply,
		apiKey.Apply,
	)
	if s.impersonate != "" {
		chain = append(chain, comm.SwitchUser(s.impersonate))
	}
	return chain
}

func (s settings) validate() error {
	switch {
	case s.apiKey != "" && s.username != "":
		return fmt.Errorf("%w: use either an API key or a login, not both", ErrInvalidConfig)
	case s.format != FormatJSON && s.format != FormatXML:
		return fmt.Errorf("%w: unknown format %q", ErrInvalidConfig, s.format)
	case s.pageSize < 1 || s.pageSize > MaxPageSize:
		return fmt.Errorf("%w: page size must be between 1 and %d, got %d", ErrInvalidConfig, MaxPageSize, s.pageSize)
	case s.concurrency < 1:
		return fmt.Errorf("%w: concurrency must be positive, got %d", ErrInvalidConfig, s.concurrency)
	case s.timeout < 0:
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidConfig)
	case s.rateLimit > 0 && s.rateBurst < 1:
		return fmt.Errorf("%w: rate limit burst must be positive", ErrInvalidConfig)
	}
	return nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: redmine URL is required", ErrInvalidConfig)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: redmine URL must be http or https, got %q", ErrInvalidConfig, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: redmine URL has no host", ErrInvalidConfig)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// Format returns the wire format the client speaks.
func (c *Client) Format() Format {
	return c.format
}

// Registry returns the client's telemetry registry.
func (c *Client) Registry() *telemetry.Registry {
	return c.registry
}

// PoolStats reports the connection pool's current state.
func (c *Client) PoolStats() connpool.Stats {
	return c.pool.Stats()
}

// SetCredentials switches to login/password authentication for subsequent
// requests. An empty username removes the credentials.
func (c *Client) SetCredentials(username, password string) {
	c.auth.SetCredentials(username, password)
}

// SetAPIKey switches the API access key for subsequent requests. An empty
// key removes it.
func (c *Client) SetAPIKey(key string) {
	c.apiKey.SetKey(key)
}

// Close stops the evictor, waits for it, then releases the pool and the
// telemetry registry. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := c.evictor.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("evictor shutdown: %w", err))
		}
		if err := c.pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pool close: %w", err))
		}
		c.logger.Debug().Msg("Redmine client closed")
		if c.ownsRegistry {
			c.registry.Close()
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

// do sends one request and returns the body of a 2xx response.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, single string, payload any) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	target := c.baseURL.JoinPath(path + c.format.extension())
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	var body io.Reader
	if payload != nil {
		encoded, err := encodeOne(c.format, single, payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", c.format.ContentType())
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", target.Path).
		Msg("Making Redmine API request")

	return comm.Send(c.pipeline, req, successBody(comm.SafeURI(target)))
}

// successBody reads 2xx bodies and turns any other status the error
// handler let through into a TransportError.
func successBody(uri string) comm.Handler[*comm.BasicResponse, []byte] {
	return comm.HandlerFunc[*comm.BasicResponse, []byte](func(resp *comm.BasicResponse) ([]byte, error) {
		body, err := comm.BodyHandler().Handle(resp)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &comm.TransportError{
				URI:     uri,
				Message: "unexpected response",
				Err:     &StatusError{StatusCode: resp.StatusCode, Body: string(body)},
			}
		}
		return body, nil
	})
}
