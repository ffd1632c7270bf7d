package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"alice-realtime/internal/cache"
	"alice-realtime/internal/config"
	"alice-realtime/internal/database"
	"alice-realtime/internal/handlers"
	"alice-realtime/internal/logging"
	"alice-realtime/internal/middleware"
	"alice-realtime/internal/queue"
	"alice-realtime/internal/repository"
	"alice-realtime/internal/router"
	"alice-realtime/internal/services"
	"alice-realtime/internal/websocket"
)

const shutdownTimeout = 30 * time.Second

var (
	portFlag     string
	logLevelFlag string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "realtime",
		Short:         "Reader activity broadcasting service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	rootCmd.PersistentFlags().StringVar(&portFlag, "port", "", "HTTP port (overrides PORT)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Close idle sessions and delete events past the retention window, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup(cmd.Context())
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg := config.Load()
	if portFlag != "" {
		cfg.Port = portFlag
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.Env)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openStore connects the configured durable store. The returned func
// releases it.
func openStore(cfg *config.Config, logger *zap.Logger) (repository.Store, func(), error) {
	switch cfg.StoreDriver {
	case "sqlite":
		db, err := database.OpenSQLite(cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		store, err := repository.NewGormStore(db, logger)
		if err != nil {
			sqlDB.Close()
			return nil, nil, err
		}
		logger.Info("sqlite store ready", zap.String("path", cfg.SQLitePath))
		return store, func() { sqlDB.Close() }, nil

	default:
		pool, err := database.NewPostgresPool(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres connection failed: %w", err)
		}
		if err := database.RunMigrations(pool, logger); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("database migration failed: %w", err)
		}
		logger.Info("postgres store ready")
		return repository.NewPostgresStore(pool, logger), pool.Close, nil
	}
}

// openCache connects Redis when a host is configured and otherwise falls
// back to the in-process cache, which only supports a single instance.
func openCache(cfg *config.Config, logger *zap.Logger) (cache.Cache, func(), error) {
	addr := cfg.RedisAddr()
	if addr == "" {
		logger.Warn("REDIS_HOST not set, using in-process cache; fan-out is limited to this instance")
		c := cache.NewMemoryCache()
		return c, func() { c.Close() }, nil
	}

	clients, err := database.NewRedisClients(addr, cfg.RedisPassword)
	if err != nil {
		return nil, nil, fmt.Errorf("redis connection failed: %w", err)
	}
	logger.Info("redis connected", zap.String("addr", addr))
	return cache.NewRedisCache(clients.Cache, clients.PubSub, logger), clients.Close, nil
}

func runServer(ctx context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting realtime service",
		zap.String("env", cfg.Env),
		zap.String("instance_id", cfg.InstanceID),
		zap.String("store_driver", cfg.StoreDriver))

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	c, closeCache, err := openCache(cfg, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ──── Pipeline ────
	broadcaster := websocket.NewBroadcaster(store, c, cfg.InstanceID, logger)
	fanoutCtx, cancelFanout := context.WithCancel(context.Background())
	defer cancelFanout()
	if err := broadcaster.Start(fanoutCtx); err != nil {
		return err
	}

	eventQueue := queue.New(cfg.QueueCapacity, broadcaster, logger)
	queueCtx, cancelQueue := context.WithCancel(context.Background())
	defer cancelQueue()
	go eventQueue.Run(queueCtx)

	// ──── HTTP ────
	jwtAuth := middleware.NewJWTAuth(cfg.JWTSecret)
	wsLimiter := middleware.NewRateLimiter(cfg.RateLimitMaxRequests, cfg.RateLimitWindow)
	defer wsLimiter.Stop()

	wsHub := websocket.NewHub(broadcaster, eventQueue, store, c, jwtAuth, websocket.HubConfig{
		AuthTimeout:    cfg.AuthTimeout,
		AllowedOrigins: cfg.CORSOrigins,
	}, logger)

	retention := services.NewRetentionScheduler(store, cfg.SessionCleanupInterval, cfg.EventRetention, logger).
		WithPresence(c, wsHub)
	retention.Start()

	r := router.New(
		jwtAuth,
		wsLimiter,
		handlers.NewSystemHandler(eventQueue, broadcaster),
		handlers.NewDashboardHandler(store, services.NewHistoryService(c, store, logger), logger),
		wsHub,
		cfg.CORSOrigins,
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("realtime service ready",
			zap.String("http", "http://localhost:"+cfg.Port),
			zap.String("ws", "ws://localhost:"+cfg.Port+"/ws"))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	// Graceful shutdown
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	wsHub.CloseAll()
	retention.Stop()

	if err := eventQueue.Shutdown(shutdownCtx); err != nil {
		stats := eventQueue.Stats()
		logger.Warn("event queue did not drain before deadline",
			zap.Int("remaining", stats.Size),
			zap.Error(err))
	}
	cancelFanout()

	logger.Info("shutdown complete")
	return nil
}

func runCleanup(ctx context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// No local connections to refresh here; the serving instances keep their
	// own sessions alive.
	c, closeCache, err := openCache(cfg, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	scheduler := services.NewRetentionScheduler(store, cfg.SessionCleanupInterval, cfg.EventRetention, logger).
		WithPresence(c, nil)
	deleted := scheduler.RunOnce(ctx, time.Now().UTC())

	logger.Info("cleanup finished", zap.Int64("events_deleted", deleted))
	return nil
}
