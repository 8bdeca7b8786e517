package comm

import (
	"encoding/base64"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Header names set by the request middleware
const (
	HeaderAPIKey     = "X-Redmine-API-Key"
	HeaderSwitchUser = "X-Redmine-Switch-User"
	HeaderRequestID  = "X-Request-Id"
)

// Middleware prepares an outbound request before it is sent. A middleware
// may add headers; it must not remove or overwrite headers the caller set.
// Returning an error aborts the request before anything is sent.
type Middleware func(req *http.Request) error

// WithMiddleware returns a communicator that applies chain, in order, to a
// clone of every request before delegating to next.
func WithMiddleware[K any](next Communicator[K], chain ...Middleware) Communicator[K] {
	if len(chain) == 0 {
		return next
	}
	return CommunicatorFunc[K](func(req *http.Request, consume func(K) error) error {
		prepared := req.Clone(req.Context())
		if prepared.Header == nil {
			prepared.Header = make(http.Header)
		}
		for _, mw := range chain {
			if err := mw(prepared); err != nil {
				return err
			}
		}
		return next.SendRequest(prepared, consume)
	})
}

// setDefault sets a header only when the caller has not set it.
func setDefault(req *http.Request, key, value string) {
	if value == "" || req.Header.Get(key) != "" {
		return
	}
	req.Header.Set(key, value)
}

// Authenticator adds HTTP Basic credentials to every request. Credentials
// may be replaced at any time; in-flight requests keep the old value.
type Authenticator struct {
	header atomic.Pointer[string]
}

// NewAuthenticator creates an Authenticator for the given credentials.
func NewAuthenticator(username, password string) *Authenticator {
	a := &Authenticator{}
	a.SetCredentials(username, password)
	return a
}

// SetCredentials replaces the credentials. An empty username disables the
// header.
func (a *Authenticator) SetCredentials(username, password string) {
	var value string
	if username != "" {
		value = "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
	}
	a.header.Store(&value)
}

// Apply is the Authenticator's Middleware.
func (a *Authenticator) Apply(req *http.Request) error {
	if value := a.header.Load(); value != nil {
		setDefault(req, "Authorization", *value)
	}
	return nil
}

// APIKeyInjector adds the Redmine API key header to every request.
type APIKeyInjector struct {
	key atomic.Pointer[string]
}

// NewAPIKeyInjector creates an injector for key.
func NewAPIKeyInjector(key string) *APIKeyInjector {
	i := &APIKeyInjector{}
	i.SetKey(key)
	return i
}

// SetKey replaces the API key. An empty key disables the header.
func (i *APIKeyInjector) SetKey(key string) {
	i.key.Store(&key)
}

// Apply is the APIKeyInjector's Middleware.
func (i *APIKeyInjector) Apply(req *http.Request) error {
	if key := i.key.Load(); key != nil {
		setDefault(req, HeaderAPIKey, *key)
	}
	return nil
}

// AcceptEncoding asks the server for gzip-compressed responses.
func AcceptEncoding() Middleware {
	return func(req *http.Request) error {
		setDefault(req, "Accept-Encoding", "gzip")
		return nil
	}
}

// UserAgent sets the User-Agent header.
func UserAgent(agent string) Middleware {
	return func(req *http.Request) error {
		setDefault(req, "User-Agent", agent)
		return nil
	}
}

// SwitchUser makes the server execute requests on behalf of login. Requires
// an administrator's credentials.
func SwitchUser(login string) Middleware {
	return func(req *http.Request) error {
		setDefault(req, HeaderSwitchUser, login)
		return nil
	}
}

// RequestID tags each request with a fresh UUID.
func RequestID() Middleware {
	return func(req *http.Request) error {
		setDefault(req, HeaderRequestID, uuid.NewString())
		return nil
	}
}

// RateLimit blocks until limiter admits the request or the request's
// context ends.
func RateLimit(limiter *rate.Limiter) Middleware {
	return func(req *http.Request) error {
		if err := limiter.Wait(req.Context()); err != nil {
			return &TransportError{URI: SafeURI(req.URL), Message: "rate limiter wait aborted", Err: err}
		}
		return nil
	}
}
