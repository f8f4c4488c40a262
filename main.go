package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"marketplace-messaging/internal/auth"
	"marketplace-messaging/internal/config"
	"marketplace-messaging/internal/db"
	grpcserver "marketplace-messaging/internal/grpc"
	"marketplace-messaging/internal/handlers"
	"marketplace-messaging/internal/ids"
	"marketplace-messaging/internal/logger"
	"marketplace-messaging/internal/middleware"
	"marketplace-messaging/internal/observability"
	"marketplace-messaging/internal/presence"
	"marketplace-messaging/internal/rabbitmq"
	"marketplace-messaging/internal/repositories"
	"marketplace-messaging/internal/services"
	"marketplace-messaging/internal/telemetry"
	"marketplace-messaging/internal/ws"
)

const (
	shutdownTimeout    = 10 * time.Second
	healthPingInterval = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logr.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Tracing.OTLPEndpoint, cfg.Tracing.ServiceName)
	if err != nil {
		logr.Fatal("failed to init tracer", zap.Error(err))
	}

	database, err := db.Connect(ctx, cfg.Database, logr)
	if err != nil {
		logr.Fatal("failed to connect to db", zap.Error(err))
	}

	gen := ids.NewGenerator()
	conversationRepo := repositories.NewConversationRepo(database, gen, cfg.Messaging.CreateRetries)
	messageRepo := repositories.NewMessageRepo(database, gen)
	readStateRepo := repositories.NewReadStateRepo(database)
	directoryRepo := repositories.NewDirectoryRepo(database)

	publisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, logr)
	logr.Info("event publisher ready",
		zap.String("mode", rabbitmq.PublisherMode(publisher)),
		zap.String("noop_reason", rabbitmq.PublisherNoopReason(publisher)),
	)
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, cfg.AMQP.AuditRoutingKey, cfg.Tracing.ServiceName, cfg.Server.Environment, logr)

	tracker := newPresenceTracker(ctx, cfg.Redis, logr)

	hub := ws.NewHub(logr)
	messenger := services.NewMessagingService(conversationRepo, messageRepo, readStateRepo, directoryRepo, hub, audit, logr, services.Options{
		OpTimeout:       cfg.Messaging.OpTimeout,
		DefaultPageSize: cfg.Messaging.DefaultPageSize,
		MaxPageSize:     cfg.Messaging.MaxPageSize,
	})
	verifier := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	gateway := ws.NewGateway(hub, messenger, verifier, tracker, cfg.WS, logr)

	if cfg.Server.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		gin.Recovery(),
		otelgin.Middleware(cfg.Tracing.ServiceName),
		middleware.RequestID(),
		observability.HTTPMetricsMiddleware(),
	)

	handlers.RegisterHealth(router, database)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.RegisterDebugRoutes(router, audit, cfg.Server.DebugRoutes)
	router.GET("/ws", gateway.Handle)

	api := router.Group("", middleware.AuthMiddleware(verifier))
	handlers.NewConversationHandler(messenger).Register(api)
	api.GET("/presence/:user_id", handlers.NewPresenceHandler(tracker).Online)

	healthServer := grpcserver.NewHealthServer(database, healthPingInterval, logr)
	lis, err := net.Listen("tcp", ":"+cfg.GRPC.Port)
	if err != nil {
		logr.Fatal("failed to listen for grpc", zap.Error(err))
	}
	go healthServer.Watch(ctx)
	go func() {
		logr.Info("grpc health server listening", zap.String("port", cfg.GRPC.Port))
		if err := healthServer.Serve(lis); err != nil {
			logr.Error("grpc server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{Addr: ":" + cfg.Server.Port, Handler: router}
	go func() {
		logr.Info("http server listening", zap.String("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logr.Warn("http shutdown", zap.Error(err))
	}
	healthServer.Stop()
	if err := publisher.Close(); err != nil {
		logr.Warn("publisher close", zap.Error(err))
	}
	if err := database.Close(); err != nil {
		logr.Warn("database close", zap.Error(err))
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logr.Warn("tracer shutdown", zap.Error(err))
	}
}

// newPresenceTracker uses redis when configured and reachable, otherwise an
// in-process tracker.
func newPresenceTracker(ctx context.Context, cfg config.RedisConfig, logr *zap.Logger) presence.Tracker {
	if cfg.Addr == "" {
		logr.Info("presence backend", zap.String("mode", "memory"))
		return presence.NewMemoryTracker()
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logr.Warn("redis unreachable, presence kept in memory", zap.String("addr", cfg.Addr), zap.Error(err))
		_ = client.Close()
		return presence.NewMemoryTracker()
	}
	logr.Info("presence backend", zap.String("mode", "redis"), zap.String("addr", cfg.Addr))
	return presence.NewRedisTracker(client, cfg.PresenceTTL)
}
