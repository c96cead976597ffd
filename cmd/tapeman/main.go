package main

import (
	"context"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mj2154/tickbus/internal/dispatch"
	"github.com/mj2154/tickbus/internal/provider/binance"
	"github.com/mj2154/tickbus/internal/store"
	"github.com/mj2154/tickbus/internal/worker"
	"github.com/mj2154/tickbus/pkg/config"
	"github.com/mj2154/tickbus/pkg/database"
	"github.com/mj2154/tickbus/pkg/logging"
	"github.com/mj2154/tickbus/pkg/models"
	"github.com/mj2154/tickbus/pkg/monitoring"
	"github.com/mj2154/tickbus/pkg/server"
	"github.com/mj2154/tickbus/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("tapeman")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Tapeman (exchange adapter)")

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("tapeman", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("tapeman", version.Version, version.GitCommit)
	serviceMetrics := worker.NewMetrics(metricsCollector)

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
	st.SetMaxTaskAttempts(config.GetEnvInt("TASK_MAX_ATTEMPTS", models.MaxTaskAttempts))

	// Public REST clients, one per market
	spotREST := binance.NewRESTClient(binance.RESTConfig{
		Exchange:   "BINANCE",
		MarketType: models.MarketSpot,
		BaseURL:    config.GetEnv("UPSTREAM_SPOT_REST_URL", ""),
		Logger:     logger,
	})
	futuresREST := binance.NewRESTClient(binance.RESTConfig{
		Exchange:   "BINANCE",
		MarketType: models.MarketFutures,
		BaseURL:    config.GetEnv("UPSTREAM_FUTURES_REST_URL", ""),
		Logger:     logger,
	})

	// Signed REST client, present only with credentials
	signed := signedClient(logger)

	// Market-data ingest and subscription reconciliation. Groups open
	// connections lazily, so the futures slot costs nothing until its
	// first subscriber.
	ingestor := worker.NewIngestor(st, logger, serviceMetrics)

	var reconciler *worker.Reconciler
	resync := func() { reconciler.Resync() }

	spotGroup := worker.NewConnGroup(worker.ConnGroupConfig{
		Exchange: "BINANCE",
		Name:     "spot",
		URL:      config.GetEnv("UPSTREAM_SPOT_WS_URL", binance.DefaultSpotWSURL),
		Logger:   logger,
		OnFrame:  ingestor.Handler("BINANCE"),
		OnActive: resync,
	})
	futuresGroup := worker.NewConnGroup(worker.ConnGroupConfig{
		Exchange: "BINANCE_FUTURES",
		Name:     "futures",
		URL:      config.GetEnv("UPSTREAM_FUTURES_WS_URL", binance.DefaultFuturesWSURL),
		Logger:   logger,
		OnFrame:  ingestor.Handler("BINANCE_FUTURES"),
		OnActive: resync,
	})
	reconciler = worker.NewReconciler(worker.ReconcilerConfig{
		Registry: st,
		Groups: map[string]*worker.ConnGroup{
			"BINANCE":         spotGroup,
			"BINANCE_FUTURES": futuresGroup,
		},
		Window:  time.Duration(config.GetEnvInt("RECONCILE_WINDOW_MS", 250)) * time.Millisecond,
		Logger:  logger,
		Metrics: serviceMetrics,
	})

	// Task execution
	runners := worker.NewRunners(worker.RunnerConfig{
		Exchange: "BINANCE",
		Spot:     spotREST,
		Futures:  futuresREST,
		Signed:   signed,
		Store:    st,
		Logger:   logger,
		Metrics:  serviceMetrics,
	})
	pool := worker.NewPool(worker.PoolConfig{
		Queue:   st,
		Runners: runners.Map(),
		Workers: config.GetEnvInt("TASK_WORKER_COUNT", 0),
		Logger:  logger,
		Metrics: serviceMetrics,
	})
	janitor := worker.NewJanitor(worker.JanitorConfig{
		Store:   st,
		Logger:  logger,
		Metrics: serviceMetrics,
	})

	var accounts *worker.AccountManager
	if signed != nil {
		accounts = worker.NewAccountManager(worker.AccountConfig{
			Signed:           signed,
			Store:            st,
			SnapshotInterval: time.Duration(config.GetEnvInt("ACCOUNT_SNAPSHOT_INTERVAL_S", 300)) * time.Second,
			Logger:           logger,
			Metrics:          serviceMetrics,
		})
	} else {
		logger.Warn("No upstream credentials configured, account state disabled")
	}

	// Notification routing
	dispatcher := dispatch.New(databaseURL, logger, metricsCollector)
	events := worker.NewEvents(reconciler, pool)
	if err := events.BindDispatcher(dispatcher); err != nil {
		logger.WithError(err).Fatal("Failed to bind notification channels")
	}

	// Add health checks
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("listener", monitoring.ListenerHealthCheck(dispatcher.Listener()))
	healthChecker.AddCheck("upstream_spot", monitoring.StateHealthCheck("spot", connStates(spotGroup.States)))
	healthChecker.AddCheck("upstream_futures", monitoring.StateHealthCheck("futures", connStates(futuresGroup.States)))
	if accounts != nil {
		healthChecker.AddCheck("user_streams", monitoring.StateHealthCheck("user", connStates(accounts.StreamStates)))
	}
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": databaseURL,
	}))

	// Supervised loops
	server.Supervise(ctx, cancel, "dispatcher", logger, dispatcher.Start)
	server.Supervise(ctx, cancel, "reconciler", logger, reconciler.Run)
	server.Supervise(ctx, cancel, "task-pool", logger, pool.Run)
	server.Supervise(ctx, cancel, "janitor", logger, janitor.Run)
	if accounts != nil {
		server.Supervise(ctx, cancel, "accounts", logger, accounts.Run)
	}
	server.Supervise(ctx, cancel, "store-watchdog", logger, func(ctx context.Context) error {
		return monitoring.WatchStore(ctx, db, 10*time.Second, 6, logger)
	})

	// The registry may already hold keys from before this process came
	// up; match upstream subscriptions to it now.
	reconciler.Resync()

	// Ops surface only; clients connect to floorman.
	router := server.SetupServiceRouter(logger, "tapeman", healthChecker, metricsCollector)

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("tapeman", "18011")
	serverConfig.Port = server.PortFromAddress(config.GetEnv("TAPEMAN_LISTEN_ADDRESS", ""), serverConfig.Port)

	err := server.StartWithContext(ctx, serverConfig, router, logger)
	cancel(nil)

	_ = dispatcher.Close()
	_ = db.Close()

	os.Exit(server.ExitCode(err))
}

// signedClient builds the private REST client when upstream credentials
// are configured. Key material comes from BINANCE_PRIVATE_KEY directly
// or from the file BINANCE_PRIVATE_KEY_FILE points at.
func signedClient(logger logging.Logger) *binance.SignedClient {
	apiKey := config.GetEnv("BINANCE_API_KEY", "")
	keyMaterial := config.GetEnv("BINANCE_PRIVATE_KEY", "")
	if keyMaterial == "" {
		if path := config.GetEnv("BINANCE_PRIVATE_KEY_FILE", ""); path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				logger.WithError(err).Fatal("Failed to read BINANCE_PRIVATE_KEY_FILE")
			}
			keyMaterial = string(data)
		}
	}
	if apiKey == "" || keyMaterial == "" {
		return nil
	}

	signer, err := binance.NewSigner(config.GetEnv("SIGNATURE_TYPE", binance.SignatureHMAC), keyMaterial)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build request signer")
	}
	signed, err := binance.NewSignedClient(binance.SignedConfig{
		Exchange:       "BINANCE",
		APIKey:         apiKey,
		Signer:         signer,
		SpotBaseURL:    config.GetEnv("UPSTREAM_SPOT_REST_URL", ""),
		FuturesBaseURL: config.GetEnv("UPSTREAM_FUTURES_REST_URL", ""),
		Logger:         logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to build signed client")
	}
	return signed
}

// connStates flattens a name -> state map into one health check line.
// Anything other than every connection active reports degraded.
func connStates(states func() map[string]string) func() (string, bool) {
	return func() (string, bool) {
		m := states()
		if len(m) == 0 {
			return "idle", true
		}
		names := make([]string, 0, len(m))
		for name := range m {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		ok := true
		for _, name := range names {
			parts = append(parts, name+"="+m[name])
			if m[name] != "active" {
				ok = false
			}
		}
		return strings.Join(parts, " "), ok
	}
}
