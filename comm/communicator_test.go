package comm

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s0up4200/redminer/telemetry"
)

func newTestPipeline(t *testing.T, chain ...Middleware) Communicator[*BasicResponse] {
	t.Helper()
	client := &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{DisableCompression: true},
	}
	base := NewBaseCommunicator(client, WithLogger(zerolog.Nop()))
	return NewPipeline(base, chain...)
}

func get(t *testing.T, rawURL string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	return req
}

func TestPipelineDecodesCompressedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get(HeaderAPIKey))
		assert.Equal(t, "gzip", r.Header.Get("Accept-Encoding"))

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		_, _ = gz.Write([]byte(fixture))
		_ = gz.Close()
	}))
	defer server.Close()

	pipeline := newTestPipeline(t, AcceptEncoding(), NewAPIKeyInjector("secret").Apply)

	text, err := Send(pipeline, get(t, server.URL+"/issues.json"), TextHandler())
	require.NoError(t, err)
	assert.Equal(t, fixture, text)
}

func TestPipelineAuthenticationFailureSkipsConsumer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	consumed := false
	err := newTestPipeline(t).SendRequest(get(t, server.URL+"/users/current.json"), func(*BasicResponse) error {
		consumed = true
		return nil
	})

	assert.True(t, IsAuthentication(err))
	assert.False(t, consumed)
}

func TestPipelineNotFoundCarriesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("Issue 4242 does not exist"))
	}))
	defer server.Close()

	_, err := Send(newTestPipeline(t), get(t, server.URL+"/issues/4242.json"), TextHandler())
	require.Error(t, err)

	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "Issue 4242 does not exist", notFound.Body)
	assert.Contains(t, err.Error(), "404 not found")
}

func TestPipelineValidationIsRemapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"errors":["Priority can't be blank"]}`))
	}))
	defer server.Close()

	_, err := Send(newTestPipeline(t), get(t, server.URL+"/issues.json"), TextHandler())

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, []string{RemapError("Priority can't be blank")}, validationErr.Errors)
}

func TestPipelinePassesThroughOtherStatuses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal failure"))
	}))
	defer server.Close()

	var status int
	var text string
	err := newTestPipeline(t).SendRequest(get(t, server.URL+"/projects.json"), func(resp *BasicResponse) error {
		status = resp.StatusCode
		var err error
		text, err = TextHandler().Handle(resp)
		return err
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal failure", text)
}

func TestPipelineTransportErrorHidesQuery(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	target := server.URL + "/issues.json?key=topsecret"
	server.Close()

	_, err := Send(newTestPipeline(t), get(t, target), TextHandler())
	require.Error(t, err)

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.NotContains(t, err.Error(), "topsecret")
	assert.NotContains(t, transportErr.URI, "key=")
}

func TestPipelineMalformedResponseIsFormatError(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = bufio.NewReader(conn).ReadString('\n')
		_, _ = conn.Write([]byte("this is not http\r\n\r\n"))
	}()

	_, err = Send(newTestPipeline(t), get(t, "http://"+listener.Addr().String()+"/issues.json"), TextHandler())
	require.Error(t, err)
	assert.Equal(t, KindFormat, KindOf(err))
}

func TestBaseCommunicatorRecordsMetrics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.json" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("{}"))
	}))
	defer server.Close()

	reg := telemetry.NewRegistry(zerolog.Nop())
	base := NewBaseCommunicator(server.Client(), WithMetrics(reg.Metrics()))
	pipeline := NewPipeline(base)

	_, err := Send(pipeline, get(t, server.URL+"/ok.json"), TextHandler())
	require.NoError(t, err)
	_, err = Send(pipeline, get(t, server.URL+"/missing.json"), TextHandler())
	require.Error(t, err)

	expected := `
# HELP redminer_request_errors_total Total number of failed requests, by error kind
# TYPE redminer_request_errors_total counter
redminer_request_errors_total{kind="not_found"} 1
# HELP redminer_requests_total Total number of HTTP exchanges completed, by method and status code
# TYPE redminer_requests_total counter
redminer_requests_total{method="GET",status_code="200"} 1
redminer_requests_total{method="GET",status_code="404"} 1
`
	err = testutil.GatherAndCompare(reg.Gatherer(), strings.NewReader(expected),
		"redminer_requests_total", "redminer_request_errors_total")
	assert.NoError(t, err)
}
