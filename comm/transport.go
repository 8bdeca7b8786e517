package comm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/net/html/charset"
)

// DefaultCharset is assumed when the server does not declare one.
const DefaultCharset = "UTF-8"

// BasicResponse is a response whose body no longer needs decompression.
type BasicResponse struct {
	StatusCode int
	Header     http.Header
	Charset    string
	// Body is the decoded stream. Closing it also closes the raw body.
	Body io.ReadCloser
}

// Close releases the body.
func (r *BasicResponse) Close() error {
	if r == nil || r.Body == nil {
		return nil
	}
	return r.Body.Close()
}

// TransportDecoder strips Content-Encoding from a raw response.
func TransportDecoder() Handler[*http.Response, *BasicResponse] {
	return HandlerFunc[*http.Response, *BasicResponse](decodeTransport)
}

func decodeTransport(resp *http.Response) (*BasicResponse, error) {
	body, err := decodeBody(resp)
	if err != nil {
		var uri string
		if resp.Request != nil {
			uri = SafeURI(resp.Request.URL)
		}
		return nil, &TransportError{URI: uri, Message: "cannot decode response body", Err: err}
	}

	return &BasicResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Charset:    ResponseCharset(resp.Header),
		Body:       body,
	}, nil
}

// ErrUnsupportedEncoding is the cause of a TransportError for content
// encodings other than gzip and deflate.
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	raw := resp.Body
	if raw == nil {
		raw = http.NoBody
	}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "", "identity":
		return raw, nil
	case "gzip", "x-gzip", "deflate":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, encoding)
	}

	// An empty compressed body (204, HEAD) has no header to read
	buffered := bufio.NewReader(raw)
	if _, err := buffered.Peek(1); err == io.EOF {
		return raw, nil
	}

	var (
		decoder io.ReadCloser
		err     error
	)
	if encoding == "deflate" {
		decoder, err = zlib.NewReader(buffered)
	} else {
		decoder, err = gzip.NewReader(buffered)
	}
	if err != nil {
		return nil, err
	}

	return &decodedBody{Reader: decoder, decoder: decoder, raw: raw}, nil
}

// decodedBody closes the decompressor and then the raw stream.
type decodedBody struct {
	io.Reader
	decoder io.Closer
	raw     io.Closer
}

func (b *decodedBody) Close() error {
	return errors.Join(b.decoder.Close(), b.raw.Close())
}

// ResponseCharset returns the charset declared in Content-Type, or
// DefaultCharset.
func ResponseCharset(header http.Header) string {
	contentType := header.Get("Content-Type")
	if contentType == "" {
		return DefaultCharset
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil || params["charset"] == "" {
		return DefaultCharset
	}
	return params["charset"]
}

// TextHandler reads the whole body as text in the response's charset and
// closes it.
func TextHandler() Handler[*BasicResponse, string] {
	return HandlerFunc[*BasicResponse, string](func(resp *BasicResponse) (string, error) {
		data, err := readBody(resp)
		if err != nil {
			return "", err
		}
		return string(data), nil
	})
}

// BodyHandler reads the whole body, transcoded to UTF-8, and closes it.
func BodyHandler() Handler[*BasicResponse, []byte] {
	return HandlerFunc[*BasicResponse, []byte](readBody)
}

func readBody(resp *BasicResponse) ([]byte, error) {
	defer resp.Close()

	if resp.Body == nil {
		return nil, nil
	}

	reader, err := charset.NewReaderLabel(resp.Charset, resp.Body)
	if err != nil {
		return nil, &TransportError{Message: fmt.Sprintf("unsupported charset %q", resp.Charset), Err: err}
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, &TransportError{Message: "cannot read response body", Err: err}
	}
	return data, nil
}
