package redmine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s0up4200/redminer/comm"
	"github.com/s0up4200/redminer/connpool"
)

func newTestClient(t *testing.T, baseURL string, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithAPIKey("test-key"),
		WithPool(connpool.Options{MaxConnections: 4, IdleTimeout: time.Minute, EvictionInterval: time.Hour}),
	}, opts...)

	client, err := NewClient(baseURL, zerolog.Nop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewClientValidation(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		opts    []Option
		errMsg  string
	}{
		{name: "missing URL", baseURL: "", errMsg: "URL is required"},
		{name: "bad scheme", baseURL: "ftp://redmine.example.com", errMsg: "http or https"},
		{name: "no host", baseURL: "http://", errMsg: "no host"},
		{name: "key and login", baseURL: "http://localhost", opts: []Option{WithAPIKey("k"), WithBasicAuth("u", "p")}, errMsg: "not both"},
		{name: "unknown format", baseURL: "http://localhost", opts: []Option{WithFormat("yaml")}, errMsg: "unknown format"},
		{name: "page size", baseURL: "http://localhost", opts: []Option{WithPageSize(500)}, errMsg: "page size"},
		{name: "concurrency", baseURL: "http://localhost", opts: []Option{WithConcurrency(0)}, errMsg: "concurrency"},
		{name: "rate burst", baseURL: "http://localhost", opts: []Option{WithRateLimit(5, 0)}, errMsg: "burst"},
		{name: "pool", baseURL: "http://localhost", opts: []Option{WithPool(connpool.Options{MaxConnections: -1})}, errMsg: "max connections"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.baseURL, zerolog.Nop(), tt.opts...)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestClientSendsHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/redmine/users/current.json", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get(comm.HeaderAPIKey))
		assert.Equal(t, "redminer-test", r.Header.Get("User-Agent"))
		assert.Equal(t, "gzip", r.Header.Get("Accept-Encoding"))
		assert.Equal(t, "jsmith", r.Header.Get(comm.HeaderSwitchUser))
		assert.NotEmpty(t, r.Header.Get(comm.HeaderRequestID))
		assert.Empty(t, r.Header.Get("Authorization"))

		_, _ = w.Write([]byte(`{"user":{"id":1,"login":"jsmith"}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL+"/redmine/",
		WithUserAgent("redminer-test"),
		WithImpersonation("jsmith"),
	)

	user, err := client.GetCurrentUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "jsmith", user.Login)
}

func TestClientBasicAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok || username != "admin" || password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Empty(t, r.Header.Get(comm.HeaderAPIKey))
		_, _ = w.Write([]byte(`{"user":{"id":1,"login":"admin"}}`))
	}))
	defer server.Close()

	client, err := NewClient(server.URL, zerolog.Nop(), WithBasicAuth("admin", "secret"))
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.TestConnection(context.Background()))

	client.SetCredentials("admin", "wrong")
	err = client.TestConnection(context.Background())
	assert.True(t, comm.IsAuthentication(err))
}

func TestGetCurrentUserFormats(t *testing.T) {
	bodies := map[Format]string{
		FormatJSON: `{"user":{"id":3,"login":"jdoe","firstname":"Jane","lastname":"Doe","created_on":"2023-05-01T08:30:00Z"}}`,
		FormatXML:  `<?xml version="1.0" encoding="UTF-8"?><user><id>3</id><login>jdoe</login><firstname>Jane</firstname><lastname>Doe</lastname><created_on>2023-05-01T08:30:00Z</created_on></user>`,
	}

	for format, body := range bodies {
		t.Run(string(format), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/users/current."+string(format), r.URL.Path)
				w.Header().Set("Content-Type", format.ContentType()+"; charset=utf-8")
				_, _ = w.Write([]byte(body))
			}))
			defer server.Close()

			client := newTestClient(t, server.URL, WithFormat(format))

			user, err := client.GetCurrentUser(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 3, user.ID)
			assert.Equal(t, "Jane Doe", user.FullName())
			assert.Equal(t, 2023, user.CreatedOn.Year())
		})
	}
}

// pagedIssues serves total issues with ids 1..total, honouring offset and
// limit, in the requested format.
func pagedIssues(t *testing.T, total int, requests *atomic.Int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)

		offset, err := strconv.Atoi(r.URL.Query().Get("offset"))
		if !assert.NoError(t, err) {
			http.Error(w, "bad offset", http.StatusBadRequest)
			return
		}
		limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
		if !assert.NoError(t, err) {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}

		end := min(offset+limit, total)
		if strings.HasSuffix(r.URL.Path, ".xml") {
			var b strings.Builder
			fmt.Fprintf(&b, `<issues total_count="%d" offset="%d" limit="%d" type="array">`, total, offset, limit)
			for id := offset + 1; id <= end; id++ {
				fmt.Fprintf(&b, `<issue><id>%d</id><subject>Issue %d</subject></issue>`, id, id)
			}
			b.WriteString(`</issues>`)
			_, _ = w.Write([]byte(b.String()))
			return
		}

		items := []map[string]any{}
		for id := offset + 1; id <= end; id++ {
			items = append(items, map[string]any{"id": id, "subject": fmt.Sprintf("Issue %d", id)})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issues":      items,
			"total_count": total,
			"offset":      offset,
			"limit":       limit,
		})
	})
}

func TestListAllPreservesOrder(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatXML} {
		t.Run(string(format), func(t *testing.T) {
			var requests atomic.Int32
			server := httptest.NewServer(pagedIssues(t, 7, &requests))
			defer server.Close()

			client := newTestClient(t, server.URL, WithFormat(format), WithPageSize(2), WithConcurrency(3))

			issues, err := ListAll[Issue](context.Background(), client, ListOptions{})
			require.NoError(t, err)
			require.Len(t, issues, 7)
			for i, issue := range issues {
				assert.Equal(t, i+1, issue.ID)
			}
			assert.Equal(t, int32(4), requests.Load())
			assert.Equal(t, 0, client.PoolStats().InUse)
		})
	}
}

func TestListAllFromOffset(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(pagedIssues(t, 5, &requests))
	defer server.Close()

	client := newTestClient(t, server.URL)

	issues, err := ListAll[Issue](context.Background(), client, ListOptions{Offset: 3, Limit: 1})
	require.NoError(t, err)
	require.Len(t, issues, 2)
	assert.Equal(t, 4, issues[0].ID)
	assert.Equal(t, 5, issues[1].ID)
}

func TestListAllEmpty(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(pagedIssues(t, 0, &requests))
	defer server.Close()

	client := newTestClient(t, server.URL)

	issues, err := ListAll[Issue](context.Background(), client, ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, issues)
	assert.Equal(t, int32(1), requests.Load())
}

func TestListScopedAndFiltered(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/projects/my-project/issues.json", r.URL.Path)
		assert.Equal(t, "open", r.URL.Query().Get("status_id"))
		assert.Equal(t, "me", r.URL.Query().Get("assigned_to_id"))
		assert.Equal(t, "journals,watchers", r.URL.Query().Get("include"))
		assert.Equal(t, "25", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"issues":[{"id":9,"subject":"Mine"}],"total_count":1}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	page, err := List[Issue](context.Background(), client, ListOptions{
		Project: "my-project",
		Filters: url.Values{"status_id": {"open"}, "assigned_to_id": {"me"}},
		Include: []string{"journals", "watchers"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, page.TotalCount)
	assert.Equal(t, 25, page.Limit)
	assert.Equal(t, "Mine", page.Items[0].Subject)
}

func TestScopeRules(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	ctx := context.Background()

	_, err := List[Membership](ctx, client, ListOptions{})
	assert.ErrorIs(t, err, ErrProjectRequired)

	_, err = List[User](ctx, client, ListOptions{Project: "x"})
	assert.ErrorIs(t, err, ErrScopeUnsupported)

	_, err = Create(ctx, client, Membership{User: &Ref{ID: 1}})
	assert.ErrorIs(t, err, ErrProjectRequired)

	assert.Zero(t, requests.Load())
}

func TestCreateIssue(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/issues.json", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var payload struct {
			Issue map[string]any `json:"issue"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, 1.0, payload.Issue["project_id"])
		assert.Equal(t, "Broken build", payload.Issue["subject"])

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"issue":{"id":42,"subject":"Broken build","project":{"id":1,"name":"Redminer"}}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	created, err := client.CreateIssue(context.Background(), Issue{Project: &Ref{ID: 1}, Subject: "Broken build"})
	require.NoError(t, err)
	assert.Equal(t, 42, created.ID)
	assert.Equal(t, "Redminer", created.Project.Name)
}

func TestCreateTimeEntryXML(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/time_entries.xml", r.URL.Path)
		assert.Equal(t, "application/xml", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), `<time_entry><issue_id>7</issue_id>`)
		assert.Contains(t, string(body), `<spent_on>2024-05-02</spent_on><hours>1.5</hours>`)

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`<time_entry><id>100</id><issue id="7"/><hours>1.5</hours><spent_on>2024-05-02</spent_on></time_entry>`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, WithFormat(FormatXML))

	entry, err := client.CreateTimeEntry(context.Background(), TimeEntry{
		Issue:   &Ref{ID: 7},
		Hours:   1.5,
		SpentOn: NewDate(2024, time.May, 2),
	})
	require.NoError(t, err)
	assert.Equal(t, 100, entry.ID)
	assert.Equal(t, 7, entry.Issue.ID)
}

func TestCreateMembershipUnderProject(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/projects/3/memberships.json", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"membership":{"id":11,"project":{"id":3},"user":{"id":9},"roles":[{"id":1,"name":"Manager"}]}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	m, err := Create(context.Background(), client, Membership{Project: &Ref{ID: 3}, User: &Ref{ID: 9}, Roles: []Ref{{ID: 1}}})
	require.NoError(t, err)
	assert.Equal(t, 11, m.ID)
	assert.Equal(t, []Ref{{ID: 1, Name: "Manager"}}, m.Roles)
}

func TestUpdateAndDelete(t *testing.T) {
	var mu sync.Mutex
	var methods []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/issues/5.json", r.URL.Path)
		mu.Lock()
		methods = append(methods, r.Method)
		mu.Unlock()
		if r.Method == http.MethodPut {
			body, _ := io.ReadAll(r.Body)
			assert.JSONEq(t, `{"issue":{"status_id":3,"notes":"Fixed in r42"}}`, string(body))
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	ctx := context.Background()

	require.NoError(t, Update(ctx, client, 5, Issue{Status: &Ref{ID: 3}, Notes: "Fixed in r42"}))
	require.NoError(t, Delete[Issue](ctx, client, 5))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{http.MethodPut, http.MethodDelete}, methods)
}

func TestClientErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/issues/404.json":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("issue not found"))
		case "/issues/403.json":
			w.WriteHeader(http.StatusForbidden)
		case "/issues.json":
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"errors":["Priority can't be blank"]}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	ctx := context.Background()

	_, err := Get[Issue](ctx, client, 404)
	assert.True(t, comm.IsNotFound(err))
	assert.Contains(t, err.Error(), "issue not found")

	_, err = Get[Issue](ctx, client, 403)
	assert.True(t, comm.IsAuthorization(err))

	_, err = client.CreateIssue(ctx, Issue{Project: &Ref{ID: 1}})
	var validationErr *comm.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, validationErr.Errors[0], "default priority")

	_, err = Get[Issue](ctx, client, 502)
	assert.Equal(t, comm.KindTransport, comm.KindOf(err))
	assert.Equal(t, http.StatusBadGateway, StatusCode(err))
	assert.Contains(t, err.Error(), "upstream down")
}

func TestClientDecodesGzip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/projects/redminer.json", r.URL.Path)
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		_, _ = gz.Write([]byte(`{"project":{"id":1,"name":"Redminer","identifier":"redminer"}}`))
		_ = gz.Close()
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	project, err := client.GetProjectByKey(context.Background(), "redminer")
	require.NoError(t, err)
	assert.Equal(t, "redminer", project.Identifier)

	_, err = client.GetProjectByKey(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestClientClose(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"user":{"id":1}}`))
	}))
	defer server.Close()

	client, err := NewClient(server.URL, zerolog.Nop(),
		WithPool(connpool.Options{MaxConnections: 2, IdleTimeout: time.Minute, EvictionInterval: time.Hour}))
	require.NoError(t, err)

	_, err = client.GetCurrentUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, client.PoolStats().Open)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	select {
	case <-client.evictor.Done():
	default:
		t.Fatal("evictor still running after Close")
	}
	assert.Equal(t, 0, client.PoolStats().Open)

	_, err = client.GetCurrentUser(context.Background())
	assert.ErrorIs(t, err, ErrClientClosed)
}
