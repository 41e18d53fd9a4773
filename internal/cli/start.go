package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/zanzrukiav/SearchServices/internal/admin"
	"github.com/zanzrukiav/SearchServices/internal/engine"
	"github.com/zanzrukiav/SearchServices/internal/metrics"
)

var (
	startLogLevel  string
	startLogFormat string
	startListen    string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the tracker engine",
	Long: `Run the tracker engine in the foreground.

Every enabled tracker is scheduled on its cron expression. The admin API
and Prometheus metrics are served on admin.listen. The admin token is read
from admin.token or the SEARCH_TRACKER_ADMIN_TOKEN environment variable.

On SIGINT or SIGTERM the engine stops scheduling, waits up to 30 seconds
for running cycles to reach a checkpoint, and closes the index.

Examples:
  search-tracker start
  search-tracker start -c /etc/search-tracker.toml --log-format text`,
	Args: cobra.NoArgs,
	Run:  runStart,
}

func init() {
	f := startCmd.Flags()
	f.StringVar(&startLogLevel, "log-level", envOrDefault("SEARCH_TRACKER_LOG_LEVEL", "info"), "Log level (debug|info|warn|error)")
	f.StringVar(&startLogFormat, "log-format", envOrDefault("SEARCH_TRACKER_LOG_FORMAT", "json"), "Log format (json|text)")
	f.StringVar(&startListen, "listen", "", "Admin listen address (overrides admin.listen)")
}

// newLogger builds the process logger from the level and format flags.
func newLogger(w io.Writer, logLevel, logFormat string) *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if logFormat == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// newRegistry returns a registry with the tracker and runtime collectors.
func newRegistry() (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}
	return reg, nil
}

func runStart(cmd *cobra.Command, args []string) {
	logger := newLogger(os.Stdout, startLogLevel, startLogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		exitError("%v", err)
	}
	if startListen != "" {
		cfg.Admin.Listen = startListen
	}
	if cfg.Admin.Token == "" {
		cfg.Admin.Token = os.Getenv("SEARCH_TRACKER_ADMIN_TOKEN")
	}
	if cfg.Admin.Token == "" {
		logger.Warn("admin token not set, admin endpoints are unauthenticated")
	}

	eng, err := engine.New(cfg, engine.Options{Logger: logger})
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		os.Exit(1)
	}

	reg, err := newRegistry()
	if err != nil {
		logger.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:         cfg.Admin.Listen,
		Handler:      admin.Handler(eng, admin.Config{Token: cfg.Admin.Token, Gatherer: reg}, logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return context.Background() },
	}

	if err := eng.Start(context.Background()); err != nil {
		logger.Error("failed to start engine", "error", err)
		eng.Shutdown(context.Background())
		os.Exit(1)
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting search-tracker", "core", cfg.Core, "listen", cfg.Admin.Listen, "config", cfg.Path())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	exitCode := 0
	select {
	case sig := <-done:
		logger.Info("shutting down...", "signal", sig.String())
	case err := <-eng.Fatal():
		logger.Error("stopping after fatal tracker error", "error", err)
		exitCode = 1
	case err := <-serveErr:
		logger.Error("server error", "error", err)
		exitCode = 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("admin server shutdown error", "error", err)
	}
	if err := eng.Shutdown(ctx); err != nil {
		logger.Error("engine shutdown error", "error", err)
		exitCode = 1
	}
	logger.Info("search-tracker stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
