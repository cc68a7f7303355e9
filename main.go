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
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"chatsync/internal/config"
	"chatsync/internal/db"
	"chatsync/internal/handlers"
	"chatsync/internal/middleware"
	"chatsync/internal/observability"
	"chatsync/internal/rabbitmq"
	"chatsync/internal/realtime"
	"chatsync/internal/repositories"
	"chatsync/internal/session"
	"chatsync/internal/telemetry"
	"chatsync/internal/upload"
	"chatsync/internal/ws"
)

const serviceName = "chatsync"

func main() {
	cfg := config.Load()
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	logger := log.With().Str("service", serviceName).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init tracing")
	}
	defer shutdownTracing(context.Background())

	database, err := db.Connect(cfg.DBDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to db")
	}
	defer database.Close()

	feed, err := realtime.NewPGFeed(cfg.DBDSN, db.ChangeChannel, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to listen for row changes")
	}
	defer feed.Close()
	go feed.Run(ctx)

	var bus realtime.Bus = realtime.NewLocalBus()
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable, typing broadcasts stay in process")
	} else {
		bus = realtime.NewRedisBus(redisClient, logger)
	}
	defer redisClient.Close()

	publisher := rabbitmq.NewPublisher(rabbitmq.Config{URL: cfg.AMQPURL, Exchange: cfg.AuditExchange, AppID: serviceName}, logger)
	defer publisher.Close()
	logger.Info().
		Str("mode", rabbitmq.PublisherMode(publisher)).
		Str("reason", rabbitmq.PublisherNoopReason(publisher)).
		Msg("audit publisher ready")
	audit := telemetry.NewAuditEmitter(publisher, cfg.AuditRoutingKey, serviceName, cfg.Environment, logger)

	blobs := repositories.NewBlobRepo(database)
	profiles := repositories.NewProfileRepo(database)
	pipeline := upload.NewPipeline(blobs, cfg.MediaBaseURL, cfg.MaxUploadBytes, logger)

	sessions := session.NewRegistry(session.Deps{
		Conversations: repositories.NewConversationRepo(database),
		Messages:      repositories.NewMessageRepo(database),
		Reads:         repositories.NewReadRepo(database),
		Profiles:      profiles,
		Stories:       repositories.NewStoryRepo(database),
		Uploads:       pipeline,
		Feed:          feed,
		Bus:           bus,
	}, session.Config{
		PageSize:        cfg.PageSize,
		FetchTimeout:    cfg.FetchTimeout,
		Heartbeat:       cfg.HeartbeatInterval,
		TypingTimeout:   cfg.TypingTimeout,
		RemoteTypingTTL: cfg.RemoteTypingTTL,
		StoryExpiry:     cfg.StoryExpiry,
	}, logger)
	go sessions.RunSweeper(ctx, time.Minute, cfg.SessionIdle)

	hub := ws.NewHub(audit, logger)
	sessions.OnEvent(hub.Broadcast)

	convHandler := handlers.NewConversationHandler(sessions, audit)
	msgHandler := handlers.NewMessageHandler(sessions, audit)
	presenceHandler := handlers.NewPresenceHandler(sessions, audit)
	storyHandler := handlers.NewStoryHandler(sessions, audit)
	mediaHandler := handlers.NewMediaHandler(blobs, pipeline, audit)
	profileHandler := handlers.NewProfileHandler(profiles, audit)
	sessionWS := ws.NewSessionWebSocketHandler(hub, sessions, audit, logger)

	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// middlewares
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(observability.HTTPMetricsMiddleware())
	router.MaxMultipartMemory = cfg.MaxUploadBytes

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/media/*path", mediaHandler.GetMedia)

	authMiddleware := middleware.AuthMiddleware([]byte(cfg.JWTSecret))
	api := router.Group("/", authMiddleware, middleware.MaxBody(cfg.MaxUploadBytes+middleware.BodySlack))

	api.GET("/conversations", convHandler.ListConversations)
	api.POST("/conversations/refresh", convHandler.Refresh)
	api.POST("/conversations/dm", convHandler.StartDM)
	api.POST("/groups", convHandler.CreateGroup)
	api.PATCH("/groups/:conversation_id", convHandler.UpdateGroup)
	api.POST("/groups/:conversation_id/members", convHandler.AddMember)
	api.DELETE("/groups/:conversation_id/members/:user_id", convHandler.RemoveMember)
	api.POST("/groups/:conversation_id/leave", convHandler.LeaveGroup)
	api.DELETE("/groups/:conversation_id", convHandler.DeleteGroup)

	api.POST("/conversations/:conversation_id/open", msgHandler.OpenConversation)
	api.DELETE("/conversations/active", msgHandler.CloseConversation)
	api.GET("/messages", msgHandler.GetMessages)
	api.POST("/messages", msgHandler.PostMessage)
	api.POST("/messages/older", msgHandler.LoadOlder)
	api.POST("/messages/image", msgHandler.PostImage)
	api.POST("/messages/read", msgHandler.MarkRead)
	api.DELETE("/messages/:message_id", msgHandler.DeleteMessage)

	api.GET("/presence", presenceHandler.GetPresence)
	api.POST("/typing", presenceHandler.SetTyping)

	api.GET("/stories", storyHandler.ListStories)
	api.POST("/stories", storyHandler.CreateStory)
	api.POST("/stories/:story_id/view", storyHandler.ViewStory)
	api.DELETE("/stories/:story_id", storyHandler.DeleteStory)

	api.GET("/profiles", profileHandler.GetProfiles)
	api.POST("/profile/avatar", mediaHandler.UploadAvatar)
	api.GET("/ws", sessionWS.Handle)

	handlers.NewDebugHandler(audit, sessions, hub).Register(api, cfg.Environment == "development")

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		logger.Info().Str("port", cfg.Port).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server shutdown")
	}
	sessions.Close(shutdownCtx)
	logger.Info().Msg("stopped")
}
