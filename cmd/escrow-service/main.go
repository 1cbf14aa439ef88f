/**
 * @description
 * This is the main entry point for the escrow-service. It loads configuration, connects to
 * PostgreSQL, Redis and RabbitMQ, builds the escrow ledger over the payment gateway client,
 * and serves the REST API and the gateway webhook. It also consumes order workflow events
 * from the marketplace and, when enabled, runs the settlement sweeps in-process.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Distributed rate limiting.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/gateway, pkg/rabbitmq: Payment gateway and message broker clients.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/editora/escrow-service/internal/api"
	"github.com/editora/escrow-service/internal/app"
	"github.com/editora/escrow-service/internal/config"
	"github.com/editora/escrow-service/internal/store"
	"github.com/editora/escrow-service/pkg/gateway"
	"github.com/editora/escrow-service/pkg/rabbitmq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if cfg.InternalAPIKey == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	log.Printf("level=info component=bootstrap msg=\"starting escrow-service\" port=%s", cfg.ServerPort)

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Simple protocol keeps the pool usable behind PgBouncer transaction pooling.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	var publisher rabbitmq.Publisher = rabbitmq.FallbackPublisher{}
	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
	} else {
		publisher = producer
		defer producer.Close()
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	var limiter api.RateLimiter = api.NewLocalRateLimiter()
	if cfg.RedisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; rate limits are per instance\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; rate limits are per instance\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			cancelPing()
			if pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; rate limits are per instance\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				limiter = api.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	gatewayClient := gateway.NewClient(
		cfg.GatewayBaseURL,
		cfg.GatewayKeyID,
		cfg.GatewayKeySecret,
		cfg.GatewayWebhookSecret,
		cfg.GatewayPayoutAccountNumber,
		cfg.GatewayTimeout(),
	)
	if !gatewayClient.Configured() {
		log.Println("level=warn component=bootstrap msg=\"payment gateway not configured; checkout is disabled and refunds go to wallets\"")
	}
	if strings.TrimSpace(cfg.GatewayWebhookSecret) == "" {
		log.Println("level=warn component=bootstrap msg=\"gateway webhook secret missing; every webhook will be rejected\" env=GATEWAY_WEBHOOK_SECRET")
	}

	repository := store.NewPostgresRepository(dbpool)
	notifier := app.NewEventNotifier(publisher, cfg.EscrowEventsExchange)
	ledger := app.NewLedger(repository, gatewayClient, notifier, app.LedgerConfigFrom(cfg))
	webhooks := app.NewWebhookProcessor(ledger, repository, gatewayClient)

	workflowConsumer := app.NewWorkflowConsumer(ledger)
	rabbitConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, 10)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer rabbitConsumer.Close()
	if err := rabbitConsumer.ConsumeWithBindings(cfg.MarketplaceExchange, cfg.WorkflowEventQueue, workflowConsumer.Bindings()); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"workflow consumer start failed\" err=%v", err)
	}

	var scheduler *app.Scheduler
	if cfg.SchedulerEnabled {
		logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "settlement_scheduler")
		jobs := app.NewJobs(repository, ledger, logger, cfg.ClaimStaleAfter())
		scheduler = app.NewScheduler(jobs, logger, cfg.SettlementSweepSchedule)
		if err := scheduler.Start(); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"settlement scheduler start failed\" err=%v", err)
		}
	}

	handlers := api.NewHandlers(ledger, webhooks)
	router := api.NewRouter(handlers, api.RouterConfig{
		ClerkJWKSURL:                      cfg.ClerkJWKSURL,
		InternalAPIKey:                    cfg.InternalAPIKey,
		Limiter:                           limiter,
		VerifyRateLimitPerMinute:          cfg.VerifyRateLimitPerMinute,
		DeliveryConfirmRateLimitPerMinute: cfg.DeliveryConfirmRateLimitPerMinute,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
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
	if scheduler != nil {
		select {
		case <-scheduler.Stop().Done():
		case <-ctx.Done():
			log.Println("level=warn component=bootstrap msg=\"settlement sweep still running at shutdown\"")
		}
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
