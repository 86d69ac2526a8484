package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/gocomet/ride-dispatch/internal/api/handlers"
	"github.com/gocomet/ride-dispatch/internal/api/routes"
	"github.com/gocomet/ride-dispatch/internal/config"
	"github.com/gocomet/ride-dispatch/internal/domain/fare"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/internal/service/geoindex"
	"github.com/gocomet/ride-dispatch/internal/service/lifecycle"
	"github.com/gocomet/ride-dispatch/internal/service/matching"
	"github.com/gocomet/ride-dispatch/internal/service/pricing"
	"github.com/gocomet/ride-dispatch/internal/service/registry"
	"github.com/gocomet/ride-dispatch/internal/storage/memory"
	"github.com/gocomet/ride-dispatch/internal/storage/postgres"
	"github.com/gocomet/ride-dispatch/pkg/cache"
	"github.com/gocomet/ride-dispatch/pkg/database"
	"github.com/gocomet/ride-dispatch/pkg/eventbus"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/gocomet/ride-dispatch/pkg/monitoring"
	"github.com/gocomet/ride-dispatch/pkg/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	appLogger, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting GoComet Ride Dispatch",
		logger.String("env", cfg.Server.Env),
		logger.String("port", cfg.Server.Port),
		logger.String("storage", cfg.Features.StorageBackend),
		logger.String("geo_index", cfg.Features.GeoBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize New Relic
	nrApp, err := monitoring.New(monitoring.Config{
		LicenseKey: cfg.NewRelic.LicenseKey,
		AppName:    cfg.NewRelic.AppName,
		Enabled:    cfg.NewRelic.Enabled,
		LogLevel:   cfg.NewRelic.LogLevel,
	})
	if err != nil {
		appLogger.Warn("Failed to initialize New Relic", logger.Err(err))
		nrApp, _ = monitoring.New(monitoring.Config{})
	} else if nrApp.IsEnabled() {
		appLogger.Info("New Relic APM initialized successfully", logger.String("app_name", cfg.NewRelic.AppName))
	} else {
		appLogger.Info("New Relic APM disabled")
	}
	defer nrApp.Shutdown(10 * time.Second)

	// Prometheus metrics, fanned out together with New Relic
	recorders := monitoring.Multi{nrApp}
	var metrics *monitoring.Metrics
	if cfg.Metrics.Enabled {
		metrics, err = monitoring.NewMetrics(prometheus.DefaultRegisterer)
		if err != nil {
			appLogger.Fatal("Failed to register metrics", logger.Err(err))
		}
		recorders = append(recorders, metrics)
	}
	var recorder monitoring.Recorder = recorders

	// Event bus and optional Kafka forwarding
	bus := eventbus.New(appLogger.Named("eventbus"), eventbus.WithDropHook(recorder.EventDropped))
	defer bus.Close()

	if cfg.Kafka.Enabled {
		sink := eventbus.NewKafkaSink(eventbus.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		}, appLogger.Named("kafka"))
		defer sink.Close()
		go sink.Run(ctx, bus.Subscribe(cfg.Kafka.Buffer))
		appLogger.Info("Forwarding events to Kafka", logger.String("topic", cfg.Kafka.Topic))
	}

	// Spatial index
	index, redisClient, err := buildGeoIndex(ctx, cfg)
	if err != nil {
		appLogger.Fatal("Failed to initialize geo index", logger.Err(err))
	}
	defer cache.Close(redisClient)

	// Driver registry
	drivers := registry.New(index, bus, appLogger.Named("registry"), recorder, registry.Options{
		StaleAfter:      cfg.Registry.StaleAfter,
		HistoryCapacity: cfg.Registry.HistoryCapacity,
		NearbyLimit:     cfg.Registry.NearbyLimit,
	})
	go drivers.Run(ctx, cfg.Registry.SweepInterval)

	// Fare configs
	fareStore := pricing.NewConfigStore()
	if err := fareStore.Seed(ctx, loadFareConfigs(cfg, appLogger)); err != nil {
		appLogger.Fatal("Failed to seed fare configs", logger.Err(err))
	}
	fares := pricing.NewService(fareStore, appLogger.Named("pricing"), recorder)

	// Ride storage
	rideStore, db, err := buildRideStore(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize ride storage", logger.Err(err))
	}
	if db != nil {
		defer db.Close()
	}

	rides := lifecycle.NewService(rideStore, drivers, bus, appLogger.Named("lifecycle"), recorder)

	matcher := matching.NewService(rides, drivers, fares, bus, appLogger.Named("matching"), recorder, matching.Config{
		SearchRadiusKM:      cfg.Dispatch.SearchRadiusKM,
		MaxCandidates:       cfg.Dispatch.MaxCandidates,
		MaxAttempts:         cfg.Dispatch.MaxAssignmentAttempts,
		OfferTimeout:        cfg.Dispatch.OfferTimeout,
		ScheduleLead:        cfg.Dispatch.ScheduleLead,
		SearchTimeout:       cfg.Dispatch.SearchTimeout,
		SchedulerTick:       cfg.Dispatch.SchedulerTick,
		RequireFareEstimate: cfg.Dispatch.RequireFareEstimate,
	})
	defer matcher.Close()
	go matcher.RunScheduler(ctx)

	// Initialize WebSocket hub
	var wsHub *websocket.Hub
	if cfg.Features.EnableRealTimeUpdates {
		wsHub = websocket.NewHub(appLogger.Named("websocket"), websocket.WithMessageHandler(handlers.LocationFrames(drivers)))
		go wsHub.Run(ctx, bus.Subscribe(cfg.WebSocket.EventBuffer).C())
	}

	h := handlers.NewHandlers(rides, matcher, drivers, fares, fareStore, wsHub, appLogger.Named("api"),
		handlers.WithBufferSizes(cfg.WebSocket.ReadBufferSize, cfg.WebSocket.WriteBufferSize),
	)

	// Initialize Gin router
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	opts := routes.Options{MetricsPath: cfg.Metrics.Path}
	if nrApp.IsEnabled() {
		opts.NewRelic = nrApp.Application
	}
	if metrics != nil {
		opts.Metrics = metrics.Handler()
	}
	routes.SetupRoutes(router, h, opts)

	appLogger.Info("Routes configured successfully")

	// Create HTTP server
	srv := &http.Server{
		Addr:           fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	// Start server in a goroutine
	go func() {
		appLogger.Info("Server starting", logger.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal("Failed to start server", logger.Err(err))
		}
	}()

	<-ctx.Done()
	appLogger.Info("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", logger.Err(err))
	}

	appLogger.Info("Server stopped gracefully")
}

// buildGeoIndex returns the in-memory grid or a Redis GEO index. The Redis
// client is nil for the memory backend.
func buildGeoIndex(ctx context.Context, cfg *config.Config) (geoindex.Index, *redis.Client, error) {
	if cfg.Features.GeoBackend != config.BackendRedis {
		return geoindex.NewGrid(cfg.Registry.GeoCellDegrees), nil, nil
	}

	client, err := cache.NewRedisClient(ctx, cache.Config{
		Host:        cfg.Redis.Host,
		Port:        cfg.Redis.Port,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		MaxRetries:  cfg.Redis.MaxRetries,
		PoolSize:    cfg.Redis.PoolSize,
		MinIdleConn: cfg.Redis.MinIdleConn,
		DialTimeout: cfg.Redis.DialTimeout,
		ReadTimeout: cfg.Redis.ReadTimeout,
	})
	if err != nil {
		return nil, nil, err
	}
	return geoindex.NewRedisIndex(client, cfg.Redis.GeoKey), client, nil
}

// buildRideStore returns the in-memory store or a migrated Postgres store.
// The *sql.DB is nil for the memory backend.
func buildRideStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (ride.Repository, *sql.DB, error) {
	if cfg.Features.StorageBackend != config.BackendPostgres {
		return memory.NewRideStore(), nil, nil
	}

	db, err := database.NewPostgresDB(ctx, database.Config{
		DSN:         cfg.Database.DSN(),
		MaxConns:    cfg.Database.MaxConnections,
		MaxIdle:     cfg.Database.MaxIdleConns,
		MaxLifetime: cfg.Database.MaxLifetime,
	})
	if err != nil {
		return nil, nil, err
	}

	if cfg.Database.MigrateOnStart {
		if err := postgres.Migrate(db, log.Named("migrate")); err != nil {
			db.Close()
			return nil, nil, err
		}
	}

	log.Info("Connected to PostgreSQL successfully", logger.String("database", cfg.Database.Name))
	return postgres.NewRideStore(db), db, nil
}

// loadFareConfigs reads FARE_CONFIG_FILE when set, falling back to the built-in tables
func loadFareConfigs(cfg *config.Config, log *logger.Logger) []fare.Config {
	if cfg.Pricing.ConfigFile == "" {
		return pricing.DefaultConfigs()
	}

	configs, err := pricing.LoadFile(cfg.Pricing.ConfigFile)
	if err != nil {
		log.Warn("Falling back to default fare configs",
			logger.String("file", cfg.Pricing.ConfigFile),
			logger.Err(err),
		)
		return pricing.DefaultConfigs()
	}
	log.Info("Loaded fare configs", logger.String("file", cfg.Pricing.ConfigFile), logger.Int("count", len(configs)))
	return configs
}
