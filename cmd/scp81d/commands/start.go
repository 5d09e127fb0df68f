package commands

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardbench/scp81/internal/logger"
	"github.com/cardbench/scp81/internal/telemetry"
	"github.com/cardbench/scp81/pkg/api"
	"github.com/cardbench/scp81/pkg/api/handlers"
	"github.com/cardbench/scp81/pkg/config"
	"github.com/cardbench/scp81/pkg/event"
	"github.com/cardbench/scp81/pkg/metrics"
	promMetrics "github.com/cardbench/scp81/pkg/metrics/prometheus"
	"github.com/cardbench/scp81/pkg/script"
	"github.com/cardbench/scp81/pkg/server"
	"github.com/cardbench/scp81/pkg/session"
	"github.com/cardbench/scp81/pkg/store"
)

// activityLogInterval is how often the bench activity line is logged while
// the server runs.
const activityLogInterval = time.Minute

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the SCP81 admin server",
	Long: `Start the SCP81 admin server with the specified configuration.

The server terminates PSK-TLS connections from cards, runs the admin pull
loop over each authenticated session and serves a REST facade for bench
tooling. It runs in the foreground; use a process supervisor for background
operation.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/scp81/config.yaml.

Exit codes:
  0  normal shutdown
  2  listener bind failure
  3  keystore load failure
  4  invalid configuration

Examples:
  # Start with default config location
  scp81d start

  # Start with custom config file
  scp81d start --config /etc/scp81/config.yaml

  # Start with environment variable overrides
  SCP81_LOGGING_LEVEL=DEBUG scp81d start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return WithExitCode(ExitConfigError, err)
	}

	// Initialize the structured logger
	if err := InitLogger(cfg); err != nil {
		return WithExitCode(ExitConfigError, err)
	}

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry (if enabled)
	telemetryCfg := telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "scp81",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	}
	telemetryShutdown, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	// Initialize Pyroscope profiling (if enabled)
	profilingCfg := telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "scp81",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	}
	profilingShutdown, err := telemetry.InitProfiling(profilingCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", "error", err)
		}
	}()

	fmt.Println("scp81d - SCP81 PSK-TLS admin server")
	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))
	if telemetry.IsEnabled() {
		logger.Info("Telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	} else {
		logger.Info("Telemetry disabled")
	}
	if telemetry.IsProfilingEnabled() {
		logger.Info("Profiling enabled", "endpoint", cfg.Telemetry.Profiling.Endpoint, "profile_types", cfg.Telemetry.Profiling.ProfileTypes)
	} else {
		logger.Info("Profiling disabled")
	}

	// Initialize metrics FIRST (before creating the components that record
	// into them). The constructors return nil adapters while the registry
	// is uninitialized, which disables collection with zero overhead.
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}
	serverMetrics := promMetrics.NewServerMetrics()
	busMetrics := promMetrics.NewBusMetrics()

	// Open session history persistence
	sessionStore, err := store.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer func() {
		if err := sessionStore.Close(); err != nil {
			logger.Error("session store close error", "error", err)
		}
	}()
	logger.Info("Session store ready", "type", cfg.Database.Type)

	// Open the PSK keystore
	keys, err := config.CreateKeystore(cfg.Keystore)
	if err != nil {
		return WithExitCode(ExitKeystoreError, err)
	}
	defer func() {
		if closer, ok := keys.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				logger.Error("keystore close error", "error", err)
			}
		}
	}()
	if entries, err := keys.List(); err == nil {
		logger.Info("Keystore ready",
			"type", cfg.Keystore.Type,
			"path", cfg.Keystore.Path,
			"identities", len(entries))
	}

	// Event plumbing: the bus fans out to WebSocket subscribers, the ring
	// backs the REST catch-up endpoint.
	bus := event.NewBus(busMetrics)
	defer func() { _ = bus.Close() }()
	ring := event.NewRing(0)
	bus.Subscribe(nil, ring.Sink())

	// Session manager and script engine
	manager := session.NewManager(session.Config{
		Store:   sessionStore,
		Bus:     bus,
		Metrics: serverMetrics,
	})
	engine := script.NewEngine(manager, serverMetrics)

	// Create the admin server. New validates the transport configuration.
	srv, err := server.New(cfg.Server, server.Deps{
		Manager: manager,
		Keys:    keys,
		Bus:     bus,
		Metrics: serverMetrics,
	})
	if err != nil {
		return WithExitCode(ExitConfigError, err)
	}

	// Bind everything up front so a busy port fails fast, before any serve
	// loop starts.
	if err := srv.Listen(); err != nil {
		return WithExitCode(ExitBindFailure, err)
	}
	adminHost, adminPort := splitHostPort(srv.Addr().String())

	statusFn := func() handlers.AdminStatus {
		return handlers.AdminStatus{
			Running:        srv.Running(),
			Host:           adminHost,
			Port:           adminPort,
			ActiveSessions: manager.Active(),
			TotalSessions:  manager.Total(),
		}
	}

	var apiSrv *api.Server
	if cfg.API.IsEnabled() {
		apiSrv = api.NewServer(cfg.API, api.Deps{
			Manager: manager,
			Engine:  engine,
			Bus:     bus,
			Ring:    ring,
			Store:   sessionStore,
			Status:  statusFn,
			Metrics: metrics.Handler(),
		})
		if err := apiSrv.Listen(); err != nil {
			return WithExitCode(ExitBindFailure, err)
		}
		logger.Info("Facade enabled", "addr", apiSrv.Addr())
	} else {
		logger.Info("Facade disabled")
	}

	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(cfg.Metrics.Port)
		if err := metricsSrv.Listen(); err != nil {
			return WithExitCode(ExitBindFailure, err)
		}
		logger.Info("Metrics enabled", "addr", metricsSrv.Addr())
	} else {
		logger.Info("Metrics collection disabled")
	}

	// Start all serve loops in the background
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Start(ctx)
	}()

	var apiDone chan error
	if apiSrv != nil {
		apiDone = make(chan error, 1)
		go func() {
			apiDone <- apiSrv.Start(ctx)
		}()
	}

	var metricsDone chan error
	if metricsSrv != nil {
		metricsDone = make(chan error, 1)
		go func() {
			metricsDone <- metricsSrv.Start(ctx)
		}()
	}

	go logActivity(ctx, srv, manager)

	// Wait for interrupt signal or server failure
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running. Press Ctrl+C to stop.")

	// drainAux collects the facade and metrics outcomes once the context
	// is cancelled. Consumed channels are nilled so it never reads twice.
	drainAux := func() {
		if apiDone != nil {
			if err := <-apiDone; err != nil {
				logger.Error("Facade shutdown error", "error", err)
			}
			apiDone = nil
		}
		if metricsDone != nil {
			if err := <-metricsDone; err != nil {
				logger.Error("Metrics shutdown error", "error", err)
			}
			metricsDone = nil
		}
	}

	var runErr error
	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()
		runErr = <-serverDone

	case runErr = <-serverDone:
		signal.Stop(sigChan)
		cancel()

	case runErr = <-apiDone:
		signal.Stop(sigChan)
		apiDone = nil
		logger.Error("Facade failed, shutting down", "error", runErr)
		cancel()
		<-serverDone

	case runErr = <-metricsDone:
		signal.Stop(sigChan)
		metricsDone = nil
		logger.Error("Metrics server failed, shutting down", "error", runErr)
		cancel()
		<-serverDone
	}

	drainAux()

	if runErr != nil {
		logger.Error("Server shutdown error", "error", runErr)
		return runErr
	}
	logger.Info("Server stopped gracefully")
	return nil
}

// logActivity periodically logs the live connection and session counts so a
// bare log tail shows bench activity without a metrics scraper.
func logActivity(ctx context.Context, srv *server.Server, manager *session.Manager) {
	ticker := time.NewTicker(activityLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("Bench activity",
				"connections", srv.ConnCount(),
				"active_sessions", manager.Active(),
				"total_sessions", manager.Total())
		}
	}
}

// splitHostPort parses a bound listener address. The port is the real one
// even when the configuration asked for port 0.
func splitHostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}
