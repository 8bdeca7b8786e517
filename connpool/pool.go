// Package connpool provides the HTTP connection pool shared by a client
// session and the background evictor that reclaims its idle and expired
// connections.
package connpool

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrPoolClosed is returned for requests made after Close
var ErrPoolClosed = errors.New("connection pool is closed")

// Stats is a snapshot of the pool's connections.
type Stats struct {
	Open  int
	InUse int
	Idle  int
}

// connState tracks one physical connection. Guarded by Pool.mu.
type connState struct {
	created  time.Time
	lastUsed time.Time
	leases   int
}

// Pool is an http.RoundTripper over a keep-alive transport that knows which
// of its connections are leased and when each was last returned. Leases
// start when the transport hands a connection to a request and end when the
// response body is closed.
type Pool struct {
	transport *http.Transport
	dialer    *net.Dialer
	ttl       time.Duration
	logger    zerolog.Logger
	now       func() time.Time

	mu     sync.Mutex
	conns  map[*trackedConn]*connState
	closed bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithClock replaces time.Now for connection bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		p.now = now
	}
}

// New creates a pool sized by opts.
func New(opts Options, poolOpts ...Option) (*Pool, error) {
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	p := &Pool{
		dialer: &net.Dialer{
			Timeout:   opts.DialTimeout,
			KeepAlive: defaultKeepAlive,
		},
		ttl:    opts.ConnectionTTL,
		logger: zerolog.Nop(),
		now:    time.Now,
		conns:  make(map[*trackedConn]*connState),
	}
	for _, opt := range poolOpts {
		opt(p)
	}

	p.transport = &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         p.dial,
		MaxConnsPerHost:     opts.MaxConnections,
		MaxIdleConns:        opts.MaxConnections,
		MaxIdleConnsPerHost: opts.MaxConnections,
		TLSClientConfig:     opts.TLSConfig,
		TLSHandshakeTimeout: opts.DialTimeout,
		// Content-Encoding is handled by the request pipeline
		DisableCompression: true,
		// One request per connection, so a lease maps to one exchange
		TLSNextProto: map[string]func(string, *tls.Conn) http.RoundTripper{},
	}

	return p, nil
}

// Client returns an *http.Client that sends through the pool.
func (p *Pool) Client(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: p,
		Timeout:   timeout,
	}
}

// RoundTrip implements http.RoundTripper.
func (p *Pool) RoundTrip(req *http.Request) (*http.Response, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	// GotConn fires on this goroutine, once per connection attempt
	var leased *trackedConn
	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			if leased != nil {
				p.release(leased)
			}
			leased = unwrapConn(info.Conn)
			if leased != nil {
				p.lease(leased)
			}
		},
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	resp, err := p.transport.RoundTrip(req)
	if err != nil {
		if leased != nil {
			p.release(leased)
		}
		return nil, err
	}
	if leased != nil {
		resp.Body = &leasedBody{ReadCloser: resp.Body, release: func() { p.release(leased) }}
	}
	return resp, nil
}

// Stats reports the current connection counts.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{Open: len(p.conns)}
	for _, st := range p.conns {
		if st.leases > 0 {
			s.InUse++
		}
	}
	s.Idle = s.Open - s.InUse
	return s
}

// CloseExpired closes idle connections older than the pool's TTL.
func (p *Pool) CloseExpired(now time.Time) (int, error) {
	if p.ttl <= 0 {
		return 0, nil
	}
	return p.closeWhere(func(st *connState) bool {
		return now.Sub(st.created) > p.ttl
	})
}

// CloseIdle closes connections that have not been leased for longer than
// idle. Leased connections are never touched.
func (p *Pool) CloseIdle(idle time.Duration, now time.Time) (int, error) {
	return p.closeWhere(func(st *connState) bool {
		return now.Sub(st.lastUsed) > idle
	})
}

func (p *Pool) closeWhere(match func(*connState) bool) (int, error) {
	p.mu.Lock()
	var victims []*trackedConn
	for conn, st := range p.conns {
		if st.leases == 0 && match(st) {
			victims = append(victims, conn)
		}
	}
	p.mu.Unlock()

	var errs []error
	for _, conn := range victims {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close %s: %w", conn.RemoteAddr(), err))
		}
	}
	return len(victims), errors.Join(errs...)
}

// Close releases every connection. Further requests fail with
// ErrPoolClosed. It is safe to call more than once.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	remaining := make([]*trackedConn, 0, len(p.conns))
	for conn := range p.conns {
		remaining = append(remaining, conn)
	}
	p.mu.Unlock()

	p.transport.CloseIdleConnections()

	var errs []error
	for _, conn := range remaining {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	p.logger.Debug().Int("connections", len(remaining)).Msg("connection pool closed")
	return errors.Join(errs...)
}

func (p *Pool) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	raw, err := p.dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	conn := &trackedConn{Conn: raw, pool: p}
	now := p.now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = raw.Close()
		return nil, ErrPoolClosed
	}
	p.conns[conn] = &connState{created: now, lastUsed: now}
	p.mu.Unlock()

	p.logger.Trace().Str("addr", addr).Msg("connection opened")
	return conn, nil
}

func (p *Pool) lease(conn *trackedConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.conns[conn]; ok {
		st.leases++
	}
}

func (p *Pool) release(conn *trackedConn) {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.conns[conn]; ok && st.leases > 0 {
		st.leases--
		st.lastUsed = now
	}
}

func (p *Pool) forget(conn *trackedConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, conn)
}

// trackedConn removes itself from the pool's bookkeeping when closed,
// whoever closes it.
type trackedConn struct {
	net.Conn
	pool *Pool

	closeOnce sync.Once
	closeErr  error
}

func (c *trackedConn) Close() error {
	c.closeOnce.Do(func() {
		c.pool.forget(c)
		c.closeErr = c.Conn.Close()
	})
	return c.closeErr
}

// unwrapConn finds the trackedConn under a connection handed out by the
// transport, looking through TLS.
func unwrapConn(conn net.Conn) *trackedConn {
	if tlsConn, ok := conn.(*tls.Conn); ok {
		conn = tlsConn.NetConn()
	}
	tc, _ := conn.(*trackedConn)
	return tc
}

// leasedBody ends the connection lease when the response body is closed.
type leasedBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *leasedBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
