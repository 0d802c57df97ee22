package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vigilbox/vigilbox/pkg/config"
	"github.com/vigilbox/vigilbox/pkg/convert"
	"github.com/vigilbox/vigilbox/pkg/cri"
	"github.com/vigilbox/vigilbox/pkg/events"
	"github.com/vigilbox/vigilbox/pkg/metrics"
	"github.com/vigilbox/vigilbox/pkg/monitor"
	"github.com/vigilbox/vigilbox/pkg/monitoring"
	"github.com/vigilbox/vigilbox/pkg/sandbox"
	"github.com/vigilbox/vigilbox/pkg/server"
	"github.com/vigilbox/vigilbox/pkg/shim"
)

var (
	// Global flags
	configFile      string
	logLevel        string
	logFormat       string
	listenAddress   string
	sandboxDir      string
	runtimeEndpoint string
	collectInterval time.Duration

	// Build info (set by build system)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "vigilboxd",
		Short: "VigilBox sandbox monitoring agent",
		Long: `vigilboxd is a monitoring sidecar for VM-backed sandboxes. It watches
the runtime's sandbox state directory, scrapes each sandbox's shim
monitor socket on a fixed cadence, and serves the results as
cAdvisor-compatible Prometheus text, so existing container dashboards
and alerts keep working for workloads hidden inside micro-VMs.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		RunE:    runAgent,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&logFormat, "log-format", "f", "", "log format (json, text, console)")
	rootCmd.PersistentFlags().StringVar(&listenAddress, "listen-address", "", "HTTP listen address (host:port)")
	rootCmd.PersistentFlags().StringVar(&sandboxDir, "sandbox-dir", "", "sandbox state directory to watch")
	rootCmd.PersistentFlags().StringVar(&runtimeEndpoint, "runtime-endpoint", "", "container runtime unix socket")
	rootCmd.PersistentFlags().DurationVar(&collectInterval, "collect-interval", 0, "metrics collection interval")

	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Override config with command line flags
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if listenAddress != "" {
		cfg.Server.ListenAddress = listenAddress
	}
	if sandboxDir != "" {
		cfg.Monitor.SandboxDir = sandboxDir
		cfg.Shim.SandboxRoot = sandboxDir
	}
	if runtimeEndpoint != "" {
		cfg.Runtime.Endpoint = runtimeEndpoint
	}
	if collectInterval > 0 {
		cfg.Collection.Interval = collectInterval
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := setupLogging(cfg.Logging); err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", date).
		Str("listen_address", cfg.Server.ListenAddress).
		Str("sandbox_dir", cfg.Monitor.SandboxDir).
		Str("runtime_endpoint", cfg.Runtime.Endpoint).
		Dur("collect_interval", cfg.Collection.Interval).
		Msg("Starting VigilBox agent")

	tm, err := monitoring.NewTracingManager(&cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tm.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Tracing shutdown error")
		}
	}()

	self := monitoring.NewMetrics()
	bus := events.NewBus(cfg.Events.Buffer)
	self.RegisterDroppedEvents(bus.Dropped)

	runtimeClient := cri.NewClient(cfg.Runtime)
	defer runtimeClient.Close()

	// Warm up the runtime connection so the first metadata sync has a
	// live channel. Failure is not fatal; the runtime may come up later.
	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Runtime.Timeout)
	if err := runtimeClient.Connect(connectCtx); err != nil {
		log.Warn().Err(err).Msg("Container runtime not reachable yet, metadata sync will retry")
	}
	connectCancel()

	registry := sandbox.NewRegistry()
	store := metrics.NewStore()
	scraper := shim.NewClient(cfg.Shim)
	converter := convert.New(cfg.Convert, registry)

	reconciler := monitor.NewReconciler(cfg.Monitor, registry, runtimeClient, store, bus, self.TrackedSandboxes, tm)
	collector := metrics.NewCollector(cfg.Collection, registry, scraper, store, bus, self, tm)

	srv := server.NewServer(cfg.Server, server.Deps{
		Registry:  registry,
		Store:     store,
		Converter: converter,
		Health:    reconciler,
		Bus:       bus,
		Self:      self,
		Tracing:   tm,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)
	go func() { errCh <- reconciler.Run(ctx) }()
	go func() { errCh <- collector.Run(ctx) }()

	if err := srv.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if err := srv.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		drainWorkers(shutdownCtx, errCh, 2)

	case err := <-errCh:
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Agent worker failed")
			return err
		}
	}

	log.Info().Msg("Agent shutdown complete")
	return nil
}

// drainWorkers waits for the reconciler and collector goroutines to
// finish, bounded by the shutdown deadline.
func drainWorkers(ctx context.Context, errCh <-chan error, n int) {
	for i := 0; i < n; i++ {
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Worker stopped with error")
			}
		case <-ctx.Done():
			log.Warn().Msg("Graceful shutdown timeout, forcing exit")
			return
		}
	}
}

func setupLogging(cfg config.LoggingConfig) error {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)

	var output *os.File
	if cfg.OutputFile != "" {
		logDir := filepath.Dir(cfg.OutputFile)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}

		file, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
	} else {
		output = os.Stderr
	}

	switch cfg.Format {
	case "console":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339})
	case "text", "json":
		fallthrough
	default:
		log.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	return nil
}

func newConfigCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()

			if outputPath == "" {
				outputPath = "vigilboxd.yaml"
			}

			if err := cfg.SaveConfig(outputPath); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			fmt.Printf("Generated default configuration: %s\n", outputPath)
			return nil
		},
	}
	generateCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			fmt.Printf("Configuration is valid\n")
			fmt.Printf("Listen address: %s\n", cfg.Server.ListenAddress)
			fmt.Printf("Sandbox directory: %s\n", cfg.Monitor.SandboxDir)
			fmt.Printf("Runtime endpoint: %s\n", cfg.Runtime.Endpoint)
			fmt.Printf("Collection interval: %s\n", cfg.Collection.Interval)

			return nil
		},
	}

	cmd.AddCommand(generateCmd)
	cmd.AddCommand(validateCmd)

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("VigilBox sandbox monitoring agent\n")
			fmt.Printf("Version: %s\n", version)
			fmt.Printf("Commit: %s\n", commit)
			fmt.Printf("Built: %s\n", date)
		},
	}
}
