package comm

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/s0up4200/redminer/telemetry"
)

// maxDrain bounds how much of an unread body is discarded so the
// connection can be reused.
const maxDrain = 64 << 10

// Communicator performs one physical HTTP exchange per SendRequest call and
// hands the response content, as a K, to consume. consume runs at most once
// and always sees the response, including error statuses, before any error
// is returned.
type Communicator[K any] interface {
	SendRequest(req *http.Request, consume func(K) error) error
}

// CommunicatorFunc adapts a function to the Communicator interface.
type CommunicatorFunc[K any] func(req *http.Request, consume func(K) error) error

// SendRequest calls f(req, consume).
func (f CommunicatorFunc[K]) SendRequest(req *http.Request, consume func(K) error) error {
	return f(req, consume)
}

// Send executes req on c and returns the result of running h over the
// response content.
func Send[K, R any](c Communicator[K], req *http.Request, h Handler[K, R]) (R, error) {
	var out R
	err := c.SendRequest(req, func(content K) error {
		r, err := h.Handle(content)
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		var zero R
		return zero, err
	}
	return out, nil
}

// Fmap changes a communicator's content type by running h over every
// response before the caller's consumer sees it. Nothing runs until
// SendRequest is called on the result.
func Fmap[K, I any](c Communicator[K], h Handler[K, I]) Communicator[I] {
	return CommunicatorFunc[I](func(req *http.Request, consume func(I) error) error {
		return c.SendRequest(req, func(content K) error {
			mid, err := h.Handle(content)
			if err != nil {
				return err
			}
			return consume(mid)
		})
	})
}

// Doer executes HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// BaseCommunicator issues requests on a shared, pooled HTTP client.
type BaseCommunicator struct {
	client  Doer
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// BaseOption configures a BaseCommunicator.
type BaseOption func(*BaseCommunicator)

// WithLogger sets the logger used for per-exchange debug output.
func WithLogger(logger zerolog.Logger) BaseOption {
	return func(c *BaseCommunicator) {
		c.logger = logger
	}
}

// WithMetrics records exchanges and classified failures.
func WithMetrics(metrics *telemetry.Metrics) BaseOption {
	return func(c *BaseCommunicator) {
		c.metrics = metrics
	}
}

// NewBaseCommunicator creates the transport-level communicator.
func NewBaseCommunicator(client Doer, opts ...BaseOption) *BaseCommunicator {
	c := &BaseCommunicator{
		client: client,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendRequest performs the exchange. The response body is drained and
// closed after consume returns, whatever the outcome.
func (c *BaseCommunicator) SendRequest(req *http.Request, consume func(*http.Response) error) error {
	err := c.send(req, consume)
	if err != nil {
		c.metrics.RequestFailed(KindOf(err).String())
	}
	return err
}

func (c *BaseCommunicator) send(req *http.Request, consume func(*http.Response) error) error {
	start := time.Now()

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug().
			Err(err).
			Str("method", req.Method).
			Str("uri", SafeURI(req.URL)).
			Msg("HTTP exchange failed")
		return exchangeFailure(req, err)
	}
	defer releaseBody(resp.Body)

	elapsed := time.Since(start)
	c.metrics.ObserveRequest(req.Method, resp.StatusCode, elapsed)
	c.logger.Debug().
		Str("method", req.Method).
		Str("uri", SafeURI(req.URL)).
		Int("status", resp.StatusCode).
		Dur("elapsed", elapsed).
		Msg("HTTP exchange completed")

	return consume(resp)
}

// exchangeFailure classifies an error returned by the HTTP client.
func exchangeFailure(req *http.Request, err error) error {
	// url.Error repeats the full URL, query string included
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}

	uri := SafeURI(req.URL)
	if isProtocolFault(err) {
		return &FormatError{
			Message: fmt.Sprintf("malformed HTTP exchange with %s", uri),
			Err:     err,
		}
	}
	return &TransportError{
		URI:     uri,
		Message: "request failed",
		Err:     err,
	}
}

func isProtocolFault(err error) bool {
	var protoErr textproto.ProtocolError
	if errors.As(err, &protoErr) {
		return true
	}
	// net/http reports bad status lines and headers with unexported types
	return strings.Contains(err.Error(), "malformed HTTP")
}

func releaseBody(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxDrain))
	_ = body.Close()
}
