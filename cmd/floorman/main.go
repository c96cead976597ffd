package main

import (
	"context"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mj2154/tickbus/internal/dispatch"
	"github.com/mj2154/tickbus/internal/gateway"
	"github.com/mj2154/tickbus/internal/store"
	"github.com/mj2154/tickbus/pkg/config"
	"github.com/mj2154/tickbus/pkg/database"
	"github.com/mj2154/tickbus/pkg/logging"
	"github.com/mj2154/tickbus/pkg/monitoring"
	"github.com/mj2154/tickbus/pkg/server"
	"github.com/mj2154/tickbus/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("floorman")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Floorman (client gateway)")

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("floorman", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("floorman", version.Version, version.GitCommit)
	serviceMetrics := gateway.NewMetrics(metricsCollector)

	// Connect to the coordination database
	databaseURL := config.RequireEnv("DATABASE_URL")
	dbConfig := database.DefaultConfig()
	dbConfig.URL = databaseURL
	db := database.MustConnect(dbConfig, logger)

	ctx, cancel := context.WithCancelCause(context.Background())

	if err := database.ApplySchema(ctx, db, logger); err != nil {
		logger.WithError(err).Fatal("Failed to apply schema")
	}

	st := store.New(db)

	// A fresh boot owns no sessions; whatever the registry still holds
	// belongs to the previous run.
	if err := st.CleanRegistry(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to clean subscription registry")
	}

	// Per-session transport tuning
	sessionConfig := gateway.DefaultConfig()
	sessionConfig.OutboundCapacity = config.GetEnvInt("SESSION_OUTBOUND_CAPACITY", sessionConfig.OutboundCapacity)
	sessionConfig.SlowConsumerGrace = time.Duration(config.GetEnvInt("SLOW_CONSUMER_GRACE_MS", 5000)) * time.Millisecond
	sessionConfig.PingInterval = time.Duration(config.GetEnvInt("PING_INTERVAL_S", 20)) * time.Second
	sessionConfig.PingTimeout = time.Duration(config.GetEnvInt("PING_TIMEOUT_S", 60)) * time.Second

	// Gateway components
	hub := gateway.NewHub(logger, serviceMetrics)
	correlator := gateway.NewCorrelator(st, logger, serviceMetrics)
	handlers := gateway.NewHandlers(st, hub, correlator, sessionConfig, logger, serviceMetrics)

	// Change-event dispatcher on the store's notification channels
	dispatcher := dispatch.New(databaseURL, logger, metricsCollector)
	if err := handlers.BindDispatcher(dispatcher); err != nil {
		logger.WithError(err).Fatal("Failed to bind notification channels")
	}

	// Add health checks
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("listener", monitoring.ListenerHealthCheck(dispatcher.Listener()))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": databaseURL,
	}))

	// Supervised loops
	server.Supervise(ctx, cancel, "dispatcher", logger, dispatcher.Start)
	server.Supervise(ctx, cancel, "store-watchdog", logger, func(ctx context.Context) error {
		return monitoring.WatchStore(ctx, db, 10*time.Second, 6, logger)
	})

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "floorman", healthChecker, metricsCollector)
	router.GET("/ws", gin.WrapF(handlers.ServeWS))

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("floorman", "18010")
	serverConfig.Port = server.PortFromAddress(config.GetEnv("LISTEN_ADDRESS", ""), serverConfig.Port)

	err := server.StartWithContext(ctx, serverConfig, router, logger)
	cancel(nil)

	// The HTTP shutdown does not touch hijacked WebSocket connections.
	hub.CloseAll()
	_ = dispatcher.Close()
	_ = db.Close()

	os.Exit(server.ExitCode(err))
}
