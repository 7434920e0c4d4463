package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"talksync/infrastructure/cache"
	"talksync/infrastructure/db"
	"talksync/infrastructure/push"
	"talksync/infrastructure/ws"
	httpHandler "talksync/internal/delivery/http"
	wsDelivery "talksync/internal/delivery/websocket"
	"talksync/internal/repository"
	"talksync/internal/usecase"
	"talksync/pkg/pushtoken"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	// .env is optional; environment variables still apply without it.
	_ = godotenv.Load()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	ctx := context.Background()

	mongoStore, err := db.NewMongoStore(ctx,
		env("MONGODB_URI", "mongodb://localhost:27017"),
		env("MONGODB_DATABASE", "talksync"))
	if err != nil {
		logger.Fatal().Err(err).Msg("mongo connection failed")
	}
	defer mongoStore.Close(ctx)
	logger.Info().Msg("connected to MongoDB")

	redisClient := redis.NewClient(&redis.Options{
		Addr: env("REDIS_ADDR", "localhost:6379"),
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	logger.Info().Msg("connected to Redis")

	// Repositories over the external collaborators.
	messageRepo := repository.NewMessageRepository(*mongoStore.DB)
	conversationRepo := repository.NewConversationRepository(*mongoStore.DB)
	deviceRepo := repository.NewDeviceRepository(redisClient)
	blobRepo, err := repository.NewMediaRepository(mongoStore.DB)
	if err != nil {
		logger.Fatal().Err(err).Msg("media bucket init failed")
	}

	// Push gateway with rotating provider tokens.
	tokenSecret := env("PUSH_TOKEN_SECRET", "")
	if tokenSecret == "" {
		tokenSecret = "dev-push-secret-change-me"
		logger.Warn().Msg("using default push token secret, set PUSH_TOKEN_SECRET in production")
	}
	tokens := pushtoken.NewManager(tokenSecret, 24*time.Hour)
	gateway := push.NewRedisGateway(redisClient, tokens, logger, push.Options{
		RotateEvery: 12 * time.Hour,
	})
	gateway.Start()
	defer gateway.Close()

	// Foreground hub: the local presentation surface.
	hub := ws.NewHub(logger)
	go hub.Run()

	// Core components, constructed once per process and injected.
	dedup := cache.New(time.Minute)
	defer dedup.Close()

	presenter := wsDelivery.NewHubPresenter(hub)
	router := usecase.NewNotificationRouter(deviceRepo, gateway, presenter, dedup, logger)
	uploads := usecase.NewMediaUploadPipeline(blobRepo, logger)
	messages := usecase.NewMessageService(messageRepo, conversationRepo, uploads, router, logger)
	streams := usecase.NewMessageStreamManager(messageRepo, logger)
	reconciler := usecase.NewReadReceiptReconciler(messageRepo, conversationRepo, logger)
	registries := usecase.NewDeviceRegistrySet(gateway, deviceRepo, logger)
	gateway.OnRefresh(registries.HandleTokenRefresh)

	websocketH := wsDelivery.NewHandler(hub, streams, reconciler, messages, registries, logger)
	httpH := httpHandler.NewHandler(messages, uploads, conversationRepo, blobRepo, logger)

	chiRouter := chi.NewRouter()
	chiRouter.Use(middleware.Recoverer)
	chiRouter.Use(middleware.Logger)
	httpHandler.MapHttpRoutes(chiRouter, httpH, websocketH)

	port := env("PORT", "8080")
	logger.Info().Str("port", port).Msg("http server running")
	if err := http.ListenAndServe(":"+port, chiRouter); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}
