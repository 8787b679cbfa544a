package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tapetail/tapetail/internal/api"
	"github.com/tapetail/tapetail/internal/bus"
	"github.com/tapetail/tapetail/internal/config"
	"github.com/tapetail/tapetail/internal/ingest"
	"github.com/tapetail/tapetail/internal/logger"
	"github.com/tapetail/tapetail/internal/metrics"
	"github.com/tapetail/tapetail/internal/offsets"
	"github.com/tapetail/tapetail/internal/rotation"
	"github.com/tapetail/tapetail/internal/shutdown"
	"github.com/tapetail/tapetail/internal/tailer"
	"golang.org/x/sync/errgroup"
)

// Version is set at build time
var Version = "dev"

func main() {
	// Check for subcommands before loading full config
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "offsets":
			runOffsetsSubcommand(os.Args[2:])
			return
		case "version":
			fmt.Printf("tapetail %s %s/%s\n", Version, runtime.GOOS, runtime.GOARCH)
			return
		}
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Validate TLS configuration before starting
	if err := cfg.Bus.ValidateTLS(); err != nil {
		fmt.Fprintf(os.Stderr, "TLS configuration error: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("version", Version).Msg("Starting Tapetail...")

	// Initialize metrics collector
	metrics.Init(logger.Get("metrics"))

	// Initialize timeseries collector with config
	metrics.InitTimeSeriesCollector(
		cfg.Metrics.TimeseriesRetentionMinutes,
		cfg.Metrics.TimeseriesIntervalSeconds,
	)
	log.Info().
		Int("retention_minutes", cfg.Metrics.TimeseriesRetentionMinutes).
		Int("interval_seconds", cfg.Metrics.TimeseriesIntervalSeconds).
		Msg("Timeseries metrics collector initialized")

	// Initialize shutdown coordinator
	shutdownCoordinator := shutdown.New(30*time.Second, logger.Get("shutdown"))

	// Load agent definitions
	agentDefs, err := config.LoadAgents(cfg.Agents.File)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.Agents.File).Msg("Failed to load agents file")
	}
	log.Info().
		Int("agents", len(agentDefs)).
		Str("file", cfg.Agents.File).
		Msg("Agent definitions loaded")

	// Initialize offset store
	var store offsets.Store
	switch cfg.Offsets.Backend {
	case "file":
		store, err = offsets.NewFileStore(cfg.Offsets.Dir, logger.Get("offsets"))
	case "sqlite":
		store, err = offsets.NewSQLiteStore(cfg.Offsets.SQLitePath, logger.Get("offsets"))
	default:
		log.Fatal().
			Str("backend", cfg.Offsets.Backend).
			Msg("Unknown offsets backend (want file or sqlite)")
	}
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Offsets.Backend).Msg("Failed to initialize offset store")
	}
	shutdownCoordinator.Register("offset-store", store, shutdown.PriorityOffsetStore)

	// Shared bus connection. Drivers dial it when they start, so a dead
	// broker delays ingestion, not the ops surface.
	busConn := bus.NewConn(bus.ConnConfig{
		Brokers:               cfg.Bus.Brokers,
		ClientID:              cfg.Bus.ClientID,
		Username:              cfg.Bus.Username,
		Password:              cfg.Bus.Password,
		QoS:                   byte(cfg.Bus.QoS),
		ConnectTimeoutSeconds: cfg.Bus.ConnectTimeoutSeconds,
		ConnectBackoffSeconds: cfg.Bus.ConnectBackoffSeconds,
		KeepAliveSeconds:      cfg.Bus.KeepAliveSeconds,
		PublishTimeoutSeconds: cfg.Publish.TimeoutSeconds,
		TLSEnabled:            cfg.Bus.TLSEnabled,
		TLSCAPath:             cfg.Bus.TLSCAPath,
		TLSCertPath:           cfg.Bus.TLSCertPath,
		TLSKeyPath:            cfg.Bus.TLSKeyPath,
		TLSInsecureSkipVerify: cfg.Bus.TLSInsecureSkipVerify,
	}, logger.Get("bus"))
	shutdownCoordinator.Register("bus", busConn, shutdown.PriorityBus)

	// Rotation scheduler (drivers register below)
	rotationScheduler, err := rotation.NewScheduler(&rotation.SchedulerConfig{
		Schedule: cfg.Rotation.Schedule,
		Logger:   logger.Get("rotation"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize rotation scheduler")
	}

	// Build one driver per agent
	baseDir := filepath.Dir(cfg.Agents.File)
	drivers := make([]*tailer.Driver, 0, len(agentDefs))
	for _, def := range agentDefs {
		colSchema, err := def.ColumnSchema(baseDir)
		if err != nil {
			log.Fatal().Err(err).Str("agent", def.Name).Msg("Invalid agent schema")
		}

		topic := def.Topic
		if topic == "" {
			topic = cfg.Publish.Topic
		}
		if topic == "" {
			log.Fatal().
				Str("agent", def.Name).
				Msg("Agent has no topic and publish.topic is not set")
		}

		parser := ingest.NewRowParser(ingest.RowParserConfig{
			Columns:                 colSchema.SourceNames(),
			Delimiter:               def.DelimiterByte(),
			Strict:                  def.Strict,
			TrimSpace:               def.TrimSpace,
			StripTrailingDelimiters: def.StripTrailingDelimiters,
		})

		agentLog := log.With().Str("agent", def.Name).Logger()
		mapper := ingest.NewMapper(colSchema, agentLog)

		batchSize := def.BatchSize
		if batchSize <= 0 {
			batchSize = cfg.Publish.BatchSize
		}
		encoding := def.Encoding
		if encoding == "" {
			encoding = cfg.Publish.Encoding
		}
		compression := def.Compression
		if compression == "" {
			compression = cfg.Publish.Compression
		}

		publisher, err := bus.NewPublisher(bus.PublisherConfig{
			Topic:       topic,
			BatchSize:   batchSize,
			Encoding:    encoding,
			Compression: compression,
		}, busConn, agentLog)
		if err != nil {
			log.Fatal().Err(err).Str("agent", def.Name).Msg("Invalid publisher configuration")
		}

		driver := tailer.NewDriver(tailer.DriverConfig{
			Name:         def.Name,
			Path:         rotation.RenderPath(def.Path, time.Now()),
			SkipHeader:   def.SkipHeader,
			PollInterval: time.Duration(cfg.Tail.PollIntervalMS) * time.Millisecond,
			ChunkSize:    int(cfg.Tail.ChunkSizeBytes),
			OpenRetry:    time.Duration(cfg.Tail.OpenRetrySeconds) * time.Second,
		}, busConn, store, parser, mapper, publisher, logger.Get("tailer"))

		drivers = append(drivers, driver)
		rotationScheduler.Register(def.Name, def.Path, driver)

		// Drain whatever the driver left unflushed
		shutdownCoordinator.RegisterHook("flush-"+def.Name, func(ctx context.Context) error {
			return publisher.Flush(ctx)
		}, shutdown.PriorityPublisher)

		log.Info().
			Str("agent", def.Name).
			Str("path", def.Path).
			Str("topic", topic).
			Int("batch_size", batchSize).
			Str("encoding", encoding).
			Str("compression", compression).
			Msg("Agent configured")
	}

	// Run the drivers
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	for _, driver := range drivers {
		driver := driver
		g.Go(func() error { return driver.Run(gctx) })
	}

	// A driver giving up takes the daemon down; transient failures it
	// retries in place and never surfaces here.
	go func() {
		if err := g.Wait(); err != nil {
			log.Error().Err(err).Msg("Agent driver failed")
			shutdownCoordinator.TriggerShutdown()
		}
	}()

	if err := rotationScheduler.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start rotation scheduler")
	}
	shutdownCoordinator.RegisterHook("rotation-scheduler", func(ctx context.Context) error {
		rotationScheduler.Stop()
		return nil
	}, shutdown.PriorityRotation)

	// Ops HTTP server
	if cfg.Server.Enabled {
		serverConfig := api.DefaultServerConfig()
		serverConfig.Host = cfg.Server.Host
		serverConfig.Port = cfg.Server.Port

		server := api.NewServer(serverConfig, func() []map[string]interface{} {
			statuses := make([]map[string]interface{}, 0, len(drivers))
			for _, d := range drivers {
				statuses = append(statuses, d.Status())
			}
			return statuses
		}, logger.Get("server"))

		// Register base routes
		server.RegisterRoutes()

		rotationHandler := api.NewRotationHandler(rotationScheduler, logger.Get("rotation-api"))
		rotationHandler.RegisterRoutes(server.GetApp())

		// Register HTTP server shutdown hook (first to stop accepting new requests)
		shutdownCoordinator.RegisterHook("http-server", func(ctx context.Context) error {
			return server.Shutdown(serverConfig.ShutdownTimeout)
		}, shutdown.PriorityHTTPServer)

		// Start server
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}

	log.Info().
		Int("agents", len(drivers)).
		Str("version", Version).
		Msg("Tapetail is ready!")

	// Wait for shutdown signal
	sig := shutdownCoordinator.WaitForSignal()
	log.Info().Str("signal", sig.String()).Msg("Initiating graceful shutdown...")

	// Stop the drivers first; each flushes its batch and saves its
	// offset on the way out.
	cancel()
	_ = g.Wait()

	// Perform graceful shutdown of the remaining components
	if err := shutdownCoordinator.Shutdown(); err != nil {
		log.Error().Err(err).Msg("Shutdown completed with errors")
		os.Exit(1)
	}

	log.Info().Msg("Tapetail shutdown complete")
}

// runOffsetsSubcommand handles the "offsets" subcommand: it prints
// every persisted resume offset so an operator can see where each feed
// would pick up after a restart.
func runOffsetsSubcommand(args []string) {
	fs := flag.NewFlagSet("offsets", flag.ExitOnError)
	backend := fs.String("backend", "", "offset store backend: file or sqlite (default from config)")
	dir := fs.String("dir", "", "offset directory for the file backend (default from config)")
	dbPath := fs.String("db", "", "offset database for the sqlite backend (default from config)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to parse flags: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *backend == "" {
		*backend = cfg.Offsets.Backend
	}
	if *dir == "" {
		*dir = cfg.Offsets.Dir
	}
	if *dbPath == "" {
		*dbPath = cfg.Offsets.SQLitePath
	}

	var store offsets.Store
	switch *backend {
	case "file":
		store, err = offsets.NewFileStore(*dir, zerolog.Nop())
	case "sqlite":
		store, err = offsets.NewSQLiteStore(*dbPath, zerolog.Nop())
	default:
		fmt.Fprintf(os.Stderr, "error: unknown offsets backend %q (want file or sqlite)\n", *backend)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	recorded, err := store.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if len(recorded) == 0 {
		fmt.Println("no offsets recorded")
		return
	}

	names := make([]string, 0, len(recorded))
	for name := range recorded {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fmt.Printf("%-32s %d\n", name, recorded[name])
	}
}
