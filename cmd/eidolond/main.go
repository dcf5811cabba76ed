package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/eidolon-platform/eidolon/internal/auth"
	"github.com/eidolon-platform/eidolon/internal/collector"
	"github.com/eidolon-platform/eidolon/internal/config"
	"github.com/eidolon-platform/eidolon/internal/event"
	"github.com/eidolon-platform/eidolon/internal/graph"
	"github.com/eidolon-platform/eidolon/internal/scan"
	"github.com/eidolon-platform/eidolon/internal/server"
	"github.com/eidolon-platform/eidolon/internal/store"
	"github.com/eidolon-platform/eidolon/internal/stream"
	"github.com/eidolon-platform/eidolon/internal/task"
	"github.com/eidolon-platform/eidolon/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	// Load configuration (before logger, so log level/format can be configured).
	viperCfg, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(viperCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("eidolond starting", zap.String("version", version.Short()))

	if f := viperCfg.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded",
			zap.String("component", "config"),
			zap.String("source", f),
		)
	} else {
		logger.Warn("no configuration file found, using defaults",
			zap.String("component", "config"),
		)
	}

	// Open database and apply the collector schema.
	dbPath := viperCfg.GetString("database.dsn")
	db, err := store.New(dbPath)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.CheckVersion(ctx, version.Short()); err != nil {
		logger.Fatal("schema version check failed", zap.Error(err))
	}
	if err := db.Migrate(ctx, "collector", collector.Migrations); err != nil {
		logger.Fatal("database migration failed", zap.Error(err))
	}
	logger.Info("database initialized",
		zap.String("component", "database"),
		zap.String("path", dbPath),
	)

	// Shared services.
	bus := event.NewBus(viperCfg.GetInt("bus.queue_cap"), logger.Named("event"))
	retention := time.Duration(viperCfg.GetInt("task.retention_seconds")) * time.Second
	registry := task.NewRegistry(retention, logger.Named("task"))

	// Graph store.
	graphCtx, graphCancel := context.WithTimeout(ctx, 15*time.Second)
	graphStore, err := graph.NewNeo4jStore(graphCtx,
		viperCfg.GetString("graph.url"),
		viperCfg.GetString("graph.user"),
		viperCfg.GetString("graph.password"),
		logger.Named("graph"),
	)
	graphCancel()
	if err != nil {
		logger.Fatal("failed to connect to graph store", zap.Error(err))
	}
	logger.Info("graph store connected",
		zap.String("component", "graph"),
		zap.String("url", viperCfg.GetString("graph.url")),
	)

	// Scanner driver: external binary when present, native ICMP sweep
	// otherwise.
	var driver scan.Driver
	nmap := scan.NewNmapDriver(viperCfg.GetString("scanner.bin"), logger.Named("scan"))
	if nmap.Available() {
		driver = nmap
		logger.Info("scanner driver ready",
			zap.String("component", "scan"),
			zap.String("bin", viperCfg.GetString("scanner.bin")),
		)
	} else {
		driver = scan.NewNativeDriver(logger.Named("scan"))
		logger.Warn("scanner binary not found, using native ping sweep (no port scans)",
			zap.String("component", "scan"),
			zap.String("bin", viperCfg.GetString("scanner.bin")),
		)
	}

	// Collector wiring.
	configs := collector.NewConfigStore(db)
	orch := collector.NewOrchestrator(driver, bus, registry, graphStore, configs, logger.Named("collector"))
	collectorHandler := collector.NewHandler(orch, registry, configs, logger.Named("collector"))
	streamHandler := stream.NewHandler(bus, logger.Named("stream"))

	identity := auth.Middleware(auth.Config{
		Mode:         viperCfg.GetString("auth.mode"),
		JWTSecret:    viperCfg.GetString("auth.jwt_secret"),
		JWTIssuer:    viperCfg.GetString("auth.jwt_issuer"),
		JWTAudience:  viperCfg.GetString("auth.jwt_audience"),
		UserIDHeader: viperCfg.GetString("auth.user_id_header"),
		RolesHeader:  viperCfg.GetString("auth.roles_header"),
	}, logger.Named("auth"))

	addr := fmt.Sprintf("%s:%d", viperCfg.GetString("server.host"), viperCfg.GetInt("server.port"))
	readyCheck := server.ReadinessChecker(func(ctx context.Context) error {
		return db.DB().PingContext(ctx)
	})
	srv := server.New(addr, logger.Named("server"), readyCheck, identity, collectorHandler, streamHandler)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()
	logger.Info("eidolond ready", zap.String("addr", addr))

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Cancel running scans and wait for their cancelled events to be
	// published before sockets close.
	active := registry.Active()
	for _, snap := range active {
		registry.Cancel(snap.ID)
	}
	if len(active) > 0 {
		logger.Info("waiting for running scans to cancel", zap.Int("count", len(active)))
		waitForIdle(shutdownCtx, registry)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	bus.Shutdown()
	if err := graphStore.Close(shutdownCtx); err != nil {
		logger.Error("graph store close error", zap.Error(err))
	}

	logger.Info("eidolond stopped")
}

// waitForIdle polls until every task has reached a terminal state or the
// context expires.
func waitForIdle(ctx context.Context, registry *task.Registry) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(registry.Active()) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
