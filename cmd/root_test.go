package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s0up4200/redminer/config"
	"github.com/s0up4200/redminer/telemetry"
)

type fakeRedmine struct {
	*httptest.Server

	mu     sync.Mutex
	posted []map[string]any
	auth   []http.Header
}

func newFakeRedmine(t *testing.T) *fakeRedmine {
	t.Helper()
	f := &fakeRedmine{}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/current.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"user":{"id":1,"login":"jsmith","firstname":"John","lastname":"Smith","admin":true,"mail":"john@example.com"}}`)
	})
	mux.HandleFunc("GET /projects.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"projects":[{"id":1,"name":"Redminer","identifier":"redminer"},{"id":2,"name":"Website","identifier":"web"}],"total_count":2,"offset":0,"limit":25}`)
	})
	mux.HandleFunc("GET /projects/redminer.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"project":{"id":1,"name":"Redminer","identifier":"redminer","description":"CLI"}}`)
	})
	mux.HandleFunc("GET /issues.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"issues":[
			{"id":1,"subject":"Crash on startup","status":{"id":1,"name":"New"},"due_date":"2020-01-01"},
			{"id":2,"subject":"Write docs","status":{"id":3,"name":"Resolved"}},
			{"id":3,"subject":"Slow search","status":{"id":1,"name":"New"}}
		],"total_count":3,"offset":0,"limit":25}`)
	})
	mux.HandleFunc("GET /time_entries.json", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "42", r.URL.Query().Get("issue_id"))
		fmt.Fprint(w, `{"time_entries":[
			{"id":1,"issue":{"id":42},"user":{"id":1,"name":"John Smith"},"hours":1.5,"comments":"Review","spent_on":"2024-05-01"},
			{"id":2,"issue":{"id":42},"user":{"id":1,"name":"John Smith"},"hours":2,"comments":"Fix","spent_on":"2024-05-02"}
		],"total_count":2,"offset":0,"limit":25}`)
	})
	mux.HandleFunc("POST /time_entries.json", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.posted = append(f.posted, body)
		f.mu.Unlock()

		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"time_entry":{"id":9,"issue":{"id":42},"hours":1.5,"spent_on":"2024-05-03"}}`)
	})

	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.auth = append(f.auth, http.Header{
			"X-Redmine-API-Key": r.Header.Values("X-Redmine-API-Key"),
			"Authorization":     r.Header.Values("Authorization"),
		})
		f.mu.Unlock()

		user, pass, basic := r.BasicAuth()
		keyOK := r.Header.Get("X-Redmine-API-Key") == "test-key"
		loginOK := basic && user == "alice" && pass == "secret"
		if !keyOK && !loginOK {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.Close)
	return f
}

func writeTestConfig(t *testing.T, url, apiKey, extra string) string {
	t.Helper()
	content := fmt.Sprintf(`
redmine:
  url: %s
  api_key: %s
pool:
  eviction_interval: 0
logging:
  level: error
  format: json
filter:
  presets:
    open: 'Status != "Resolved"'
%s`, url, apiKey, extra)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func execute(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)

	var out bytes.Buffer
	err := run(context.Background(), append([]string{"--config", configPath}, args...), &out)
	return out.String(), err
}

func TestTestCommand(t *testing.T) {
	srv := newFakeRedmine(t)
	out, err := execute(t, writeTestConfig(t, srv.URL, "test-key", ""), "test")
	require.NoError(t, err)

	assert.Contains(t, out, "✓ Connection successful!")
	assert.Contains(t, out, "John Smith (jsmith)")
	assert.Contains(t, out, "Administrator: yes")
	assert.Nil(t, client, "session closed after the command")
}

func TestTestCommandUnauthorized(t *testing.T) {
	srv := newFakeRedmine(t)
	_, err := execute(t, writeTestConfig(t, srv.URL, "wrong-key", ""), "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to Redmine")
	assert.Nil(t, client)
}

func TestTestCommandPlaceholderKeyUsesLogin(t *testing.T) {
	srv := newFakeRedmine(t)
	content := fmt.Sprintf(`
redmine:
  url: %s
  api_key: your-api-key-here
  username: alice
  password: secret
pool:
  eviction_interval: 0
logging:
  level: error
`, srv.URL)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	out, err := execute(t, path, "test")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Connection successful!")

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.NotEmpty(t, srv.auth)
	for _, h := range srv.auth {
		assert.Equal(t, "Basic YWxpY2U6c2VjcmV0", h.Get("Authorization"))
		assert.Empty(t, h.Get("X-Redmine-API-Key"))
	}
}

func TestProjectsCommand(t *testing.T) {
	srv := newFakeRedmine(t)
	path := writeTestConfig(t, srv.URL, "test-key", "")

	out, err := execute(t, path, "projects")
	require.NoError(t, err)
	assert.Contains(t, out, "Found 2 projects")
	assert.Contains(t, out, "• Website (web)")

	out, err = execute(t, path, "projects", "redminer")
	require.NoError(t, err)
	assert.Contains(t, out, "Redminer (redminer, id 1)")
}

func TestUsersCurrentCommand(t *testing.T) {
	srv := newFakeRedmine(t)
	out, err := execute(t, writeTestConfig(t, srv.URL, "test-key", ""), "users", "current")
	require.NoError(t, err)
	assert.Contains(t, out, "John Smith (jsmith, id 1)")
	assert.Contains(t, out, "Mail: john@example.com")
}

func TestIssuesCommand(t *testing.T) {
	srv := newFakeRedmine(t)
	path := writeTestConfig(t, srv.URL, "test-key", "")

	tests := []struct {
		name     string
		args     []string
		contains []string
		excludes []string
	}{
		{
			name:     "all issues",
			args:     []string{"issues", "--all"},
			contains: []string{"Found 3 issues:", "#1 [New] Crash on startup", "#2 [Resolved] Write docs"},
		},
		{
			name:     "expression",
			args:     []string{"issues", "--filter", `Status == "New" and overdue()`},
			contains: []string{"Found 1 issues (of 3)", "#1 [New]"},
			excludes: []string{"#3"},
		},
		{
			name:     "preset",
			args:     []string{"issues", "--preset", "open", "--details"},
			contains: []string{"Found 2 issues (of 3)", "#3 [New] Slow search", "Due: 2020-01-01"},
			excludes: []string{"Write docs"},
		},
		{
			name:     "no matches",
			args:     []string{"issues", "--filter", `ID > 100`},
			contains: []string{"No issues found"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, path, tt.args...)
			require.NoError(t, err)
			for _, s := range tt.contains {
				assert.Contains(t, out, s)
			}
			for _, s := range tt.excludes {
				assert.NotContains(t, out, s)
			}
		})
	}
}

func TestIssuesCommandErrors(t *testing.T) {
	srv := newFakeRedmine(t)
	path := writeTestConfig(t, srv.URL, "test-key", "")

	_, err := execute(t, path, "issues", "--preset", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "preset 'missing' not found in config (have: open)")
	assert.Nil(t, client)

	_, err = execute(t, path, "issues", "--filter", `Nope == 1`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid filter expression")

	_, err = execute(t, path, "issues", "--filter", "true", "--preset", "open")
	assert.Error(t, err)
}

func TestInvalidPresetFailsStartup(t *testing.T) {
	srv := newFakeRedmine(t)
	path := writeTestConfig(t, srv.URL, "test-key", "    broken: 'Status =='\n")

	_, err := execute(t, path, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid filter preset")
}

func TestTimeEntriesCommand(t *testing.T) {
	srv := newFakeRedmine(t)
	out, err := execute(t, writeTestConfig(t, srv.URL, "test-key", ""), "time-entries", "--issue", "42")
	require.NoError(t, err)
	assert.Contains(t, out, "2024-05-01")
	assert.Contains(t, out, "Total: 3.50h in 2 entries")

	_, err = execute(t, writeTestConfig(t, srv.URL, "test-key", ""), "time-entries", "--from", "yesterday")
	assert.Error(t, err)
}

func TestLogTimeCommand(t *testing.T) {
	srv := newFakeRedmine(t)
	path := writeTestConfig(t, srv.URL, "test-key", "")

	out, err := execute(t, path, "log-time", "--issue", "42", "--hours", "1.5", "--comment", "Review", "--date", "2024-05-03")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Logged 1.50h on 2024-05-03 (entry 9)")

	srv.mu.Lock()
	require.Len(t, srv.posted, 1)
	entry := srv.posted[0]["time_entry"].(map[string]any)
	srv.mu.Unlock()
	assert.Equal(t, 42.0, entry["issue_id"])
	assert.Equal(t, 1.5, entry["hours"])
	assert.Equal(t, "Review", entry["comments"])
	assert.Equal(t, "2024-05-03", entry["spent_on"])

	_, err = execute(t, path, "log-time", "--hours", "1")
	assert.Error(t, err, "issue or project is required")

	_, err = execute(t, path, "log-time", "--issue", "42", "--hours", "-1")
	assert.Error(t, err)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newFakeRedmine(t)
	path := writeTestConfig(t, srv.URL, "test-key", "metrics:\n  listen: 127.0.0.1:0\n")

	// The endpoint lives for the duration of the command
	_, err := execute(t, path, "test")
	require.NoError(t, err)
	assert.Nil(t, metricsServer)

	logger = zerolog.Nop()
	registry = telemetry.NewRegistry(logger, telemetry.WithProcessCollectors())
	t.Cleanup(func() { _ = shutdownApp(rootCmd, nil) })

	addr, err := startMetricsServer("127.0.0.1:0")
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr.String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestVersionCommand(t *testing.T) {
	SetVersion("1.2.3", "today")
	t.Cleanup(func() { SetVersion("dev", "unknown") })

	out, err := execute(t, "/nonexistent/config.yaml", "version")
	require.NoError(t, err)
	assert.Equal(t, "redminer 1.2.3 (built today)\n", out)
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	l := setupLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	l.Info().Msg("hidden")
	l.Warn().Msg("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"level":"warn"`)

	buf.Reset()
	l = setupLogger(config.LoggingConfig{Level: "debug", Format: "console", Color: true}, &buf)
	l.Debug().Msg("console line")
	assert.Contains(t, buf.String(), "console line")
	assert.False(t, strings.Contains(buf.String(), "\x1b["), "no colour when not a terminal")
}
