package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ahrav/go-llmrouter/internal/llm"
	"github.com/ahrav/go-llmrouter/internal/llm/configuration"
	"github.com/ahrav/go-llmrouter/internal/llm/resilience"
)

var (
	// Global flags
	cfgFile    string
	protocol   string
	logLevel   string
	sessionID  string
	noColor    bool
	jsonOutput bool

	// Loaded configuration and the shared logger.
	cfg    *configuration.Config
	logger *slog.Logger

	// registry collects client metrics when metrics are enabled.
	registry *prometheus.Registry
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "llmrouter",
	Short: "Resilient inference client",
	Long: `llmrouter sends inference requests to a model server over HTTP, gRPC
or WebSocket, retrying transient failures with backoff.

Configuration is read from an optional YAML file, then from LLM_ROUTER_*
environment variables (a .env file in the working directory is honored).`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&protocol, "protocol", "", "transport: http, grpc or websocket")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&sessionID, "session", "", "session id sent with every request")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored log output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit JSON output")
}

// initConfig loads .env, the config file and flag overrides, then sets up
// the logger.
func initConfig() error {
	_ = godotenv.Load()

	var err error
	cfg, err = configuration.Load(cfgFile)
	if err != nil {
		return err
	}

	if protocol != "" {
		cfg.Protocol = configuration.Protocol(strings.ToLower(protocol))
	}
	if logLevel != "" {
		cfg.Observability.LogLevel = strings.ToLower(logLevel)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger = newLogger(os.Stderr, cfg.Observability.LogLevel, noColor)
	slog.SetDefault(logger)
	return nil
}

// newLogger builds a tint handler at the named level; unknown names log at
// info.
func newLogger(w io.Writer, level string, disableColor bool) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      parseLevel(level),
		TimeFormat: time.Kitchen,
		NoColor:    disableColor,
	}))
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// newClient builds a client from the loaded configuration. Metrics are
// recorded into registry when enabled.
func newClient(ctx context.Context) (*llm.Client, error) {
	opts := []llm.Option{llm.WithLogger(logger)}
	if cfg.Observability.MetricsEnabled {
		registry = prometheus.NewRegistry()
		opts = append(opts, llm.WithMetrics(resilience.NewPrometheusMetrics(registry)))
	}

	c, err := llm.NewClient(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	if sessionID != "" {
		c.SetSessionID(sessionID)
	}
	return c, nil
}

// withClient runs fn with a client that is closed afterwards.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *llm.Client) error) error {
	ctx := cmd.Context()
	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(); cerr != nil {
			logger.Warn("close client", "error", cerr)
		}
	}()
	return fn(ctx, c)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
