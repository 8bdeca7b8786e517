package comm

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	// KindUnknown is any error not produced by the pipeline
	KindUnknown Kind = iota
	// KindTransport is a socket, I/O or transport encoding failure
	KindTransport
	// KindFormat is a malformed HTTP exchange or unparseable body
	KindFormat
	// KindAuthentication is a 401 response
	KindAuthentication
	// KindAuthorization is a 403 response
	KindAuthorization
	// KindNotFound is a 404 response
	KindNotFound
	// KindValidation is a 422 response
	KindValidation
)

// String returns the metric/log label for a Kind
func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindFormat:
		return "format"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error types returned by the request pipeline
type (
	// TransportError indicates a socket/I/O failure or an unsupported
	// transport encoding. The pipeline never retries it.
	TransportError struct {
		URI     string // query string and userinfo removed
		Message string
		Err     error
	}

	// FormatError indicates a malformed HTTP exchange or a structured
	// body that could not be parsed.
	FormatError struct {
		Message string
		Err     error
	}

	// AuthenticationError is returned for 401 responses.
	AuthenticationError struct {
		Message string
	}

	// AuthorizationError is returned for 403 responses.
	AuthorizationError struct {
		Message string
	}

	// NotFoundError is returned for 404 responses. Body holds the
	// server's response text.
	NotFoundError struct {
		Body string
	}

	// ValidationError is returned for 422 responses. Errors holds the
	// server's field messages after remapping.
	ValidationError struct {
		Errors []string
	}
)

func (e *TransportError) Error() string {
	var b strings.Builder
	b.WriteString("transport error")
	if e.URI != "" {
		fmt.Fprintf(&b, " for %s", e.URI)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("format error: %s: %v", e.Message, e.Err)
	}
	return "format error: " + e.Message
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

func (e *AuthenticationError) Error() string {
	return e.Message
}

func (e *AuthorizationError) Error() string {
	return e.Message
}

func (e *NotFoundError) Error() string {
	return "server returned '404 not found'. response body: " + e.Body
}

func (e *ValidationError) Error() string {
	return "request rejected by server: " + strings.Join(e.Errors, "; ")
}

// KindOf reports the classification of err, looking through wrapping.
func KindOf(err error) Kind {
	var (
		transportErr *TransportError
		formatErr    *FormatError
		authnErr     *AuthenticationError
		authzErr     *AuthorizationError
		notFoundErr  *NotFoundError
		validErr     *ValidationError
	)

	switch {
	case err == nil:
		return KindUnknown
	case errors.As(err, &authnErr):
		return KindAuthentication
	case errors.As(err, &authzErr):
		return KindAuthorization
	case errors.As(err, &notFoundErr):
		return KindNotFound
	case errors.As(err, &validErr):
		return KindValidation
	case errors.As(err, &formatErr):
		return KindFormat
	case errors.As(err, &transportErr):
		return KindTransport
	default:
		return KindUnknown
	}
}

// IsNotFound reports whether err is a 404 classification.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsAuthentication reports whether err is a 401 classification.
func IsAuthentication(err error) bool {
	return KindOf(err) == KindAuthentication
}

// IsAuthorization reports whether err is a 403 classification.
func IsAuthorization(err error) bool {
	return KindOf(err) == KindAuthorization
}

// IsValidation reports whether err is a 422 classification.
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

// SafeURI renders u without its query string, fragment and userinfo so that
// API keys passed as parameters never reach logs or error messages.
func SafeURI(u *url.URL) string {
	if u == nil {
		return ""
	}
	stripped := *u
	stripped.User = nil
	stripped.RawQuery = ""
	stripped.ForceQuery = false
	stripped.Fragment = ""
	stripped.RawFragment = ""
	return stripped.String()
}
