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

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/podsync/internal/api"
	"github.com/lalith-99/podsync/internal/attachment"
	"github.com/lalith-99/podsync/internal/authority"
	"github.com/lalith-99/podsync/internal/bus"
	"github.com/lalith-99/podsync/internal/clock"
	"github.com/lalith-99/podsync/internal/config"
	"github.com/lalith-99/podsync/internal/db"
	"github.com/lalith-99/podsync/internal/events"
	"github.com/lalith-99/podsync/internal/ledger"
	"github.com/lalith-99/podsync/internal/middleware"
	"github.com/lalith-99/podsync/internal/observ"
	"github.com/lalith-99/podsync/internal/repository"
	"github.com/lalith-99/podsync/internal/repository/memory"
	"github.com/lalith-99/podsync/internal/repository/postgres"
	"github.com/lalith-99/podsync/internal/service"
	"github.com/lalith-99/podsync/internal/ws"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ---------------------------------------------------------------
	// 1. Load config
	// ---------------------------------------------------------------
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, cfg.NodeID)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	// Cancelled on SIGINT/SIGTERM. Everything long-lived hangs off it.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observ.InitTracing(ctx, "podsync", cfg.NodeID, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	// ---------------------------------------------------------------
	// 3. Repositories
	//
	// Postgres when DATABASE_URL is set, otherwise in-memory stores
	// for a single development node.
	// ---------------------------------------------------------------
	var (
		podRepo     repository.PodRepository
		messageRepo repository.MessageRepository
		userRepo    repository.UserRepository
		health      = func(context.Context) error { return nil }
	)
	if cfg.DatabaseURL != "" {
		database, err := db.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer database.Close()

		if err := database.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}

		pool := database.Pool()
		podRepo = postgres.NewPodStore(pool)
		messageRepo = postgres.NewMessageStore(pool)
		userRepo = postgres.NewUserStore(pool)
		health = database.Health
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory repositories")
		podRepo = memory.NewPodStore()
		messageRepo = memory.NewMessageStore()
		userRepo = memory.NewUserStore()
	}

	// ---------------------------------------------------------------
	// 4. Core: ledger, bus, services
	// ---------------------------------------------------------------
	clk := clock.Real()
	podLedger := ledger.New(podRepo, authority.New(cfg.JoinCooldown), clk, logger)
	messageBus := bus.New(podLedger, messageRepo, clk, cfg.SubscriberBuffer, logger)
	names := service.NewDirectory(userRepo, logger)

	var store attachment.Store = attachment.Disabled{}
	if cfg.AttachmentStoreURL != "" {
		store = attachment.NewHTTPStore(cfg.AttachmentStoreURL, cfg.AttachmentTimeout)
	} else {
		logger.Warn("ATTACHMENT_STORE_URL not set, uploads will be refused")
	}

	pods := service.NewPodService(podLedger, messageBus, names, logger)
	messages := service.NewMessageService(podLedger, messageBus, store, names, logger)

	// ---------------------------------------------------------------
	// 5. Lifecycle events
	//
	// AMQP carries events to downstream consumers. Redis, when
	// configured, relays them to the other nodes serving the same pods.
	// ---------------------------------------------------------------
	publisher := events.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	defer publisher.Close()
	sinks := []events.Sink{events.NewAMQPSink(publisher)}

	if cfg.RedisURL == "" && cfg.DatabaseURL != "" {
		// Publishes are still checked against the stored pod version, but
		// other nodes' subscribers only hear about changes through the relay.
		logger.Warn("REDIS_URL not set, live frames stay on this node")
	}
	if cfg.RedisURL != "" {
		redisClient, err := events.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer redisClient.Close()

		relay := events.NewRelay(redisClient, cfg.NodeID, logger)
		sinks = append(sinks, relay)
		go func() {
			if err := relay.Run(ctx, pods.HandleRemote); err != nil {
				logger.Error("relay stopped", zap.Error(err))
			}
		}()
	}

	dispatcher := events.NewDispatcher(cfg.NodeID, logger, sinks...)
	pods.SetEmitter(dispatcher)
	messageBus.SetForwarder(dispatcher)

	logger.Info("event sinks ready",
		zap.String("amqp", events.PublisherMode(publisher)),
		zap.Bool("relay", cfg.RedisURL != ""),
	)

	// ---------------------------------------------------------------
	// 6. HTTP routes
	// ---------------------------------------------------------------
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware("podsync"), observ.HTTPMetricsMiddleware())

	router.GET("/v1/health", func(c *gin.Context) {
		if err := health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "node_id": cfg.NodeID})
	})
	router.GET("/metrics", observ.MetricsHandler())

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(cfg.JWTSecret))
	api.Register(v1,
		api.NewPodHandler(pods, logger),
		api.NewMessageHandler(messages, cfg.MaxUploadBytes, logger),
		api.NewUserHandler(userRepo, logger),
	)
	v1.GET("/pods/:id/ws", ws.NewHandler(ctx, messages, logger).Serve)

	// ---------------------------------------------------------------
	// 7. Serve until signalled, then drain
	// ---------------------------------------------------------------
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting podsync",
			zap.String("port", cfg.Port),
			zap.String("env", cfg.Env),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	return nil
}
