// Tracewire Core - Serial Device Workspace Daemon
//
// This is the main entry point for the Tracewire core daemon. The core
// owns the workspace: it supervises plugin host processes, drains their
// shared-memory frame segments, journals sessions, and serves the local
// HTTP/WebSocket gateway the desktop shell talks to.
//
// Plugin code never runs in this process. Each plugin lives in its own
// tracewire-host process; the core reaches it over unix sockets and a
// shared-memory ring, so a crashing plugin takes down its host, not the
// workspace.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	_ "github.com/tracewire/tracewire-core/migrations"

	"github.com/tracewire/tracewire-core/internal/api"
	"github.com/tracewire/tracewire-core/internal/eventbus"
	"github.com/tracewire/tracewire-core/internal/framestore"
	"github.com/tracewire/tracewire-core/internal/infrastructure/config"
	"github.com/tracewire/tracewire-core/internal/infrastructure/database"
	"github.com/tracewire/tracewire-core/internal/infrastructure/logging"
	"github.com/tracewire/tracewire-core/internal/infrastructure/tsdb"
	"github.com/tracewire/tracewire-core/internal/ingest"
	"github.com/tracewire/tracewire-core/internal/sessionlog"
	"github.com/tracewire/tracewire-core/internal/workspace"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

const (
	// defaultConfigPath is used when TRACEWIRE_CONFIG is unset.
	defaultConfigPath = "configs/config.yaml"

	// eventBusBuffer is the per-subscriber event buffer. Subscribers that
	// fall further behind than this lose events rather than stall the
	// workspace.
	eventBusBuffer = 256

	// telemetrySampleInterval is how often runtime gauges are written to
	// the time-series store when telemetry is enabled.
	telemetrySampleInterval = 10 * time.Second
)

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for
// testability. Teardown happens through the defer chain in reverse
// start order: gateway first, database last.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Tracewire core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Session journal
	journal := sessionlog.NewSQLiteRepository(db.DB)

	// Frame store and event bus feed the gateway with live data
	frames := framestore.New(cfg.Ingest.FrameWindow)
	bus := eventbus.New(eventBusBuffer)
	bus.SetLogger(log)
	defer bus.Close()

	// Ingest loop drains every session's shared-memory segment
	loop := ingest.NewLoop(workspace.NewFrameSink(frames, bus), ingest.Config{
		MaxFramesPerSession: cfg.Ingest.MaxFramesPerSession,
	})
	loop.SetLogger(log)

	// Workspace manager supervises plugin hosts and sessions
	manager := workspace.NewManager(cfg, journal, frames, loop, bus, log)
	defer func() {
		log.Info("closing workspace manager")
		manager.Close()
	}()
	log.Info("workspace manager initialised",
		"workspace", cfg.Workspace.ID,
		"plugins", len(manager.Catalog()),
	)

	// Connect to InfluxDB (optional)
	var tsdbClient *tsdb.Client
	if cfg.InfluxDB.Enabled {
		tsdbClient, err = tsdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := tsdbClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		tsdbClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("time-series telemetry disabled")
	}

	// Create the gateway server
	server, err := api.New(api.Deps{
		Config:    cfg.API,
		WS:        cfg.WebSocket,
		Security:  cfg.Security,
		Logger:    log,
		Workspace: manager,
		Frames:    frames,
		Ingest:    loop,
		Bus:       bus,
		Version:   version,
	})
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	// Verify infrastructure is healthy before accepting work
	if err := healthCheck(ctx, db, tsdbClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	// Background loops run until the shutdown signal
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return manager.Run(gctx) })
	if tsdbClient != nil {
		recorder := tsdb.NewRecorder(tsdbClient, telemetrySampler(manager, loop), telemetrySampleInterval)
		g.Go(func() error { return recorder.Run(gctx) })
		g.Go(func() error { return relayHostIncidents(gctx, bus, tsdbClient) })
	}

	// Start the gateway last so it never serves a half-wired workspace
	if err := server.Start(gctx); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}
	defer func() {
		log.Info("closing gateway")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing gateway", "error", closeErr)
		}
	}()

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal or a background loop failure
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("background task failed: %w", err)
	}

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls will run in reverse order:
	// 1. Gateway
	// 2. InfluxDB (if enabled)
	// 3. Workspace manager (disconnects sessions, stops hosts)
	// 4. Event bus
	// 5. Database

	log.Info("Tracewire core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses TRACEWIRE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("TRACEWIRE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies infrastructure connections are healthy.
// The tsdb client may be nil when telemetry is disabled.
func healthCheck(ctx context.Context, db *database.DB, tsdbClient *tsdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if tsdbClient != nil {
		if err := tsdbClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	// Plugin hosts are spawned on demand; their health is reported per
	// host through the gateway rather than gating startup.

	return nil
}

// telemetrySampler snapshots ingest counters and per-session gauges for
// the time-series recorder.
func telemetrySampler(manager *workspace.Manager, loop *ingest.Loop) tsdb.Sampler {
	return func() tsdb.Sample {
		stats := loop.Stats()
		sample := tsdb.Sample{
			IngestFrames: stats.Frames,
			IngestFaults: stats.Faults,
		}
		for _, info := range manager.Sessions() {
			sample.Sessions = append(sample.Sessions, tsdb.SessionSample{
				ID:         info.ID,
				Entry:      info.Entry,
				Level:      info.Backpressure,
				UsageRatio: info.UsageRatio,
				Frames:     info.Frames,
				Bytes:      info.Bytes,
			})
		}
		return sample
	}
}

// relayHostIncidents mirrors host lifecycle trouble onto the time-series
// store. Plain starts are not incidents and are skipped.
func relayHostIncidents(ctx context.Context, bus *eventbus.Bus, client *tsdb.Client) error {
	sub := bus.Subscribe(workspace.TopicHosts)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			hostEv, isHost := ev.Data.(workspace.HostEvent)
			if !isHost || hostEv.Type == "started" {
				continue
			}
			client.WriteHostIncident(hostEv.Entry, hostEv.Type)
		}
	}
}
