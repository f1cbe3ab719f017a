package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"inbox-sync/internal/config"
	"inbox-sync/internal/db"
	"inbox-sync/internal/gateway"
	"inbox-sync/internal/handlers"
	"inbox-sync/internal/locks"
	"inbox-sync/internal/middleware"
	"inbox-sync/internal/observability"
	"inbox-sync/internal/rabbitmq"
	"inbox-sync/internal/ratelimit"
	"inbox-sync/internal/realtime"
	"inbox-sync/internal/repositories"
	"inbox-sync/internal/syncengine"
	"inbox-sync/internal/telemetry"
	"inbox-sync/internal/ws"
)

const serviceName = "inbox-sync"

func main() {
	cfg := config.Load()
	setupLogger(cfg)

	if cfg.ClinicID == "" {
		log.Fatal().Msg("CLINIC_ID is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.OTLPEndpoint, serviceName, cfg.Environment)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("tracer shutdown")
		}
	}()

	database, err := db.Connect(cfg.DatabaseDSN, cfg.Migrate)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to db")
	}
	defer database.Close()

	chatRepo := repositories.NewChatRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	lockRepo := repositories.NewLockRepo(database)

	publisher := rabbitmq.NewPublisher(rabbitmq.Config{
		URL:      cfg.AMQPURL,
		Exchange: cfg.AuditExchange,
		ClinicID: cfg.ClinicID,
	})
	defer publisher.Close()
	mode, reason := rabbitmq.Describe(publisher)
	log.Info().Str("mode", mode).Str("reason", reason).Msg("audit publisher ready")
	audit := telemetry.NewAuditEmitter(publisher, cfg.AuditRoutingKey, serviceName, cfg.Environment, cfg.ClinicID)

	limiter := ratelimit.New(ratelimit.Config{
		Window:     cfg.RateLimitWindow,
		Capacity:   cfg.RateLimitCapacity,
		MinSpacing: cfg.RateLimitMinSpacing,
	})
	sender := gateway.NewClient(cfg.GatewayURL, cfg.GatewayToken, cfg.GatewayTimeout)

	engine := syncengine.New(syncengine.Config{
		ClinicID:     cfg.ClinicID,
		PollInterval: cfg.PollInterval,
		PageSize:     cfg.PageSize,
	}, chatRepo, messageRepo, sender, limiter, audit)

	lockService := locks.New(lockRepo, cfg.LockTTL, cfg.LockPollInterval, audit)

	hub := ws.NewHub(engine.Store())
	unsubscribe := engine.Store().Subscribe(hub.Notify)
	defer unsubscribe()

	inboxHandler := handlers.NewInboxHandler(engine)
	lockHandler := handlers.NewLockHandler(lockService)
	wsHandler := ws.NewHandler(hub, lockService, audit)

	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// middlewares
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", inboxHandler.Health)

	staffMiddleware := middleware.StaffMiddleware()

	router.GET("/chats", staffMiddleware, inboxHandler.ListChats)
	router.GET("/chats/:chat_id/messages", staffMiddleware, inboxHandler.GetChatMessages)
	router.POST("/chats/:chat_id/messages", staffMiddleware, inboxHandler.PostChatMessage)
	router.POST("/chats/:chat_id/read", staffMiddleware, inboxHandler.MarkRead)
	router.GET("/rate-limit/:channel", staffMiddleware, inboxHandler.RateLimitStatus)

	router.GET("/chats/:chat_id/lock", staffMiddleware, lockHandler.GetLock)
	router.POST("/chats/:chat_id/lock", staffMiddleware, lockHandler.ClaimLock)
	router.DELETE("/chats/:chat_id/lock", staffMiddleware, lockHandler.ReleaseLock)

	router.GET("/ws", staffMiddleware, wsHandler.Handle)

	handlers.RegisterDebugRoutes(router, audit, engine, cfg.Environment == "development")

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("port", cfg.Port).Str("clinic_id", cfg.ClinicID).Msg("inbox-sync listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return engine.Run(gctx, realtimeSource(cfg))
	})
	g.Go(func() error {
		<-gctx.Done()
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("inbox-sync stopped with error")
		return
	}
	log.Info().Msg("inbox-sync stopped")
}

func realtimeSource(cfg *config.Config) realtime.Source {
	switch cfg.RealtimeMode {
	case "amqp":
		return realtime.NewAMQPSource(cfg.AMQPURL, cfg.RealtimeExchange, cfg.ClinicID)
	case "none":
		log.Warn().Msg("realtime disabled, relying on polling")
		return nil
	default:
		return realtime.NewWebSocketSource(cfg.RealtimeURL, cfg.ClinicID, cfg.RealtimeToken)
	}
}

func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	log.Logger = log.With().Str("service", serviceName).Logger()
}
