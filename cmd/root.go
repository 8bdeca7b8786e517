package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/s0up4200/redminer/config"
	"github.com/s0up4200/redminer/filter"
	"github.com/s0up4200/redminer/redmine"
	"github.com/s0up4200/redminer/telemetry"
)

const shutdownTimeout = 5 * time.Second

var (
	version   = "dev"
	buildTime = "unknown"

	cfgFile       string
	cfg           *config.Config
	logger        zerolog.Logger
	registry      *telemetry.Registry
	client        *redmine.Client
	filters       *filter.Manager
	metricsServer *http.Server
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "redminer",
	Short: "A command line client for the Redmine REST API",
	Long: `redminer talks to a Redmine server over its REST API. It lists projects,
issues and time entries, filters issues with expressions, and logs time.`,
	SilenceUsage:       true,
	SilenceErrors:      true,
	PersistentPreRunE:  initializeApp,
	PersistentPostRunE: shutdownApp,
}

// SetVersion records build information for the version command
func SetVersion(v, built string) {
	version = v
	buildTime = built
}

// Execute adds all child commands to the root command and runs it until
// it finishes or the process is interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// run executes the command line. The session is closed even when the
// command fails, since cobra skips post-run hooks on error.
func run(ctx context.Context, args []string, out io.Writer) error {
	rootCmd.SetArgs(args)
	rootCmd.SetOut(out)

	err := rootCmd.ExecuteContext(ctx)
	return errors.Join(err, shutdownApp(rootCmd, nil))
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(testCmd)
}

// initializeApp loads the configuration and opens the Redmine session
func initializeApp(cmd *cobra.Command, args []string) error {
	if cmd == versionCmd {
		return nil
	}

	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger = setupLogger(cfg.Logging, os.Stderr)

	filters = filter.NewManager()
	if err := filters.RegisterFilters(cfg.Filter.Presets); err != nil {
		return fmt.Errorf("invalid filter preset: %w", err)
	}

	registry = telemetry.NewRegistry(logger, telemetry.WithProcessCollectors())

	client, err = redmine.NewClient(cfg.Redmine.URL, logger, clientOptions(cfg)...)
	if err != nil {
		registry.Close()
		return fmt.Errorf("failed to create Redmine client: %w", err)
	}

	if cfg.Metrics.Listen != "" {
		if _, err := startMetricsServer(cfg.Metrics.Listen); err != nil {
			return errors.Join(err, shutdownApp(cmd, args))
		}
	}
	return nil
}

// shutdownApp closes the session: the metrics endpoint, then the client,
// which stops the evictor and closes pooled connections.
func shutdownApp(cmd *cobra.Command, args []string) error {
	var errs []error

	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		errs = append(errs, metricsServer.Shutdown(ctx))
		cancel()
		metricsServer = nil
	}

	if client != nil {
		stats := client.PoolStats()
		logger.Debug().
			Int("open", stats.Open).
			Int("in_use", stats.InUse).
			Msg("Closing Redmine session")

		errs = append(errs, client.Close())
		client = nil
	}

	if registry != nil {
		registry.Close()
		registry = nil
	}
	return errors.Join(errs...)
}

// clientOptions maps the configuration onto client options
func clientOptions(cfg *config.Config) []redmine.Option {
	r := cfg.Redmine
	format, _ := redmine.ParseFormat(r.Format)

	opts := []redmine.Option{
		redmine.WithFormat(format),
		redmine.WithPool(cfg.Pool.Options()),
		redmine.WithPageSize(r.PageSize),
		redmine.WithConcurrency(r.Concurrency),
		redmine.WithTimeout(r.TimeoutDuration()),
		redmine.WithUserAgent("redminer/" + version),
		redmine.WithRegistry(registry),
	}

	if r.HasAPIKey() {
		opts = append(opts, redmine.WithAPIKey(r.APIKey))
	} else {
		opts = append(opts, redmine.WithBasicAuth(r.Username, r.Password))
	}
	if r.Impersonate != "" {
		opts = append(opts, redmine.WithImpersonation(r.Impersonate))
	}
	if r.RateLimit > 0 {
		opts = append(opts, redmine.WithRateLimit(r.RateLimit, r.RateBurst))
	}
	return opts
}

// startMetricsServer exposes the session's registry on addr and returns
// the bound address.
func startMetricsServer(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for metrics on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry.Gatherer(), promhttp.HandlerOpts{}))

	metricsServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	srv := metricsServer
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server stopped")
		}
	}()

	logger.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics")
	return ln.Addr(), nil
}

// setupLogger configures the zerolog logger
func setupLogger(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	switch strings.ToLower(cfg.Level) {
	case "trace":
		level = zerolog.TraceLevel
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	if cfg.Format == "json" {
		return zerolog.New(out).Level(level).With().Timestamp().Logger()
	}

	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    !cfg.Color || !isTerminal(out),
	}
	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "redminer %s (built %s)\n", version, buildTime)
	},
}

// testCmd represents the test command
var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Test connection to Redmine",
	Long:  `Test the connection to your Redmine server and show the account the credentials belong to.`,
	RunE:  runTest,
}

func runTest(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Testing connection to Redmine at %s...\n", cfg.Redmine.URL)

	user, err := client.GetCurrentUser(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to connect to Redmine: %w", err)
	}

	fmt.Fprintln(out, "✓ Connection successful!")
	fmt.Fprintf(out, "- Logged in as: %s (%s)\n", user.FullName(), user.Login)
	fmt.Fprintf(out, "- Format: %s\n", client.Format())
	if user.Admin {
		fmt.Fprintln(out, "- Administrator: yes")
	}
	return nil
}
