/**
 * @description
 * Entry point for the settlement scheduler. It runs the escrow sweeps on a cron schedule:
 * expiring unpaid orders, flagging missed deadlines, refunding orders whose grace period has
 * ended, retrying pending refunds and resuming stalled releases.
 */
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/editora/escrow-service/internal/app"
	"github.com/editora/escrow-service/internal/config"
	"github.com/editora/escrow-service/internal/store"
	"github.com/editora/escrow-service/pkg/gateway"
	"github.com/editora/escrow-service/pkg/rabbitmq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func main() {
	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	var publisher rabbitmq.Publisher = rabbitmq.FallbackPublisher{}
	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		logger.Warn("rabbitmq producer unavailable, notifications will be dropped", "error", err)
	} else {
		publisher = producer
		defer producer.Close()
	}

	gatewayClient := gateway.NewClient(
		cfg.GatewayBaseURL,
		cfg.GatewayKeyID,
		cfg.GatewayKeySecret,
		cfg.GatewayWebhookSecret,
		cfg.GatewayPayoutAccountNumber,
		cfg.GatewayTimeout(),
	)

	repository := store.NewPostgresRepository(dbpool)
	ledger := app.NewLedger(repository, gatewayClient, app.NewEventNotifier(publisher, cfg.EscrowEventsExchange), app.LedgerConfigFrom(cfg))
	jobs := app.NewJobs(repository, ledger, logger, cfg.ClaimStaleAfter())
	scheduler := app.NewScheduler(jobs, logger, cfg.SettlementSweepSchedule)

	if err := scheduler.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	logger.Info("settlement scheduler started", "schedule", cfg.SettlementSweepSchedule)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, waiting for running sweeps")
	<-scheduler.Stop().Done()
	logger.Info("scheduler stopped")
}
