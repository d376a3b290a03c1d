/**
 * @description
 * This is the main entry point for the session-service. It loads configuration,
 * connects the profile store (PostgreSQL behind a Redis or in-memory cache), the
 * cross-tab shared state, the event bus with its RabbitMQ forwarder, and the
 * identity event consumer, then serves the session API until it receives a
 * termination signal.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Shared tab state, profile cache and the PIN throttle.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/identityclient: Client for the identity service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/transfa/session-service/internal/api"
	"github.com/transfa/session-service/internal/app"
	"github.com/transfa/session-service/internal/clock"
	"github.com/transfa/session-service/internal/config"
	"github.com/transfa/session-service/internal/store"
	"github.com/transfa/session-service/pkg/identityclient"
	rmrabbit "github.com/transfa/session-service/pkg/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	log.Printf("level=info component=bootstrap msg=\"starting session-service\" port=%s", cfg.ServerPort)

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()

	profileRepo := store.NewPostgresProfileStore(dbpool)
	schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 10*time.Second)
	if err := profileRepo.EnsureSchema(schemaCtx); err != nil {
		cancelSchema()
		log.Fatalf("level=fatal component=bootstrap msg=\"profile schema setup failed\" err=%v", err)
	}
	cancelSchema()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	redisClient := connectRedis(cfg.RedisURL)
	if redisClient != nil {
		defer redisClient.Close()
	}

	var (
		profileCache store.ProfileCache = store.NewMemoryProfileStore()
		shared       store.SharedState  = store.NewMemorySharedState()
		pinLimiter   app.RateLimiter
	)
	if redisClient != nil {
		profileCache = store.NewRedisProfileStore(redisClient, cfg.RedisKeyPrefix)
		redisShared := store.NewRedisSharedState(redisClient, cfg.RedisKeyPrefix, 0)
		defer redisShared.Close()
		shared = redisShared
		pinLimiter = app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix)
	} else {
		log.Println("level=warn component=bootstrap msg=\"redis unavailable; shared state is process-local and pin throttle disabled\"")
	}
	profiles := store.NewCachedProfileStore(profileRepo, profileCache)

	events := app.NewEventBus()
	if err := events.Subscribe(app.AuditEvent); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"audit subscription failed\" err=%v", err)
	}

	var publisher rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		publisher = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		publisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}
	if err := events.SubscribeAsync(app.NewEventForwarder(publisher).Forward); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"event forwarder subscription failed\" err=%v", err)
	}

	identity := identityclient.NewClient(cfg.IdentityServiceURL, cfg.InternalAPIKey)

	registry := app.NewTabRegistry(app.RegistryConfig{
		LogoutTimeout:       cfg.LogoutTimeout(),
		WarningLead:         cfg.WarningLead(),
		PinTimeout:          cfg.PinTimeout(),
		MaxPinAttempts:      cfg.MaxPinAttempts,
		LockoutDuration:     cfg.LockoutDuration(),
		ActivityDebounce:    cfg.ActivityDebounce(),
		SignOutCooldown:     cfg.SignOutCooldown(),
		ConfigWriteDebounce: cfg.ConfigWriteDebounce(),
		TabIdleTTL:          cfg.TabIdleTTL(),
	}, app.RegistryDeps{
		Clock:    clock.Real(),
		Profiles: profiles,
		Shared:   shared,
		Hasher:   app.NewPBKDF2Hasher(cfg.PinHashIterations),
		Identity: identity,
		Events:   events,
		Cache:    profiles,
		// Shares the Redis counter with the PIN throttle under its own scope.
		SignOutLimiter: pinLimiter,
	})

	reaper := app.NewReaper(registry, cfg.TabReapSchedule)
	if err := reaper.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"tab reaper start failed\" schedule=%q err=%v", cfg.TabReapSchedule, err)
	}

	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; remote sign-outs will not reach open tabs\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		identityConsumer := app.NewIdentityEventConsumer(registry)
		bindings := map[string]rmrabbit.Handler{
			app.IdentitySignedOutKey:      identityConsumer.HandleMessage,
			app.IdentitySessionRevokedKey: identityConsumer.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings("transfa.events", cfg.IdentityEventQueue, bindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"identity consumer start failed\" err=%v", err)
		}
	}

	service := app.NewService(registry, pinLimiter, cfg.PinVerifyRateLimitPerMinute)
	handlers := api.NewSessionHandlers(service)

	router := chi.NewRouter()
	router.Mount("/", api.SessionRoutes(handlers, api.ClerkAuthMiddleware(cfg.ClerkJWKSURL), cfg.AllowedOrigins()))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	<-reaper.Stop().Done()
	registry.Shutdown(ctx)
	events.Wait()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// connectRedis returns a pinged client, or nil when Redis is not configured or
// not reachable.
func connectRedis(url string) *redis.Client {
	if strings.TrimSpace(url) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing\" env=REDIS_URL")
		return nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed\" err=%v", err)
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}
