package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-admission/internal/adapters/crdb"
	"github.com/robertarktes/ticket-admission/internal/adapters/rabbit"
	"github.com/robertarktes/ticket-admission/internal/config"
	"github.com/robertarktes/ticket-admission/internal/lifecycle"
	"github.com/robertarktes/ticket-admission/internal/observability"
)

const prefetch = 16

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg, "ticket-admission-lifecycle")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger(cfg.LogLevel)

	pool, err := pgxpool.New(context.Background(), cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	consumer, err := rabbit.NewConsumer(conn, cfg.Worker.LifecycleQueue, prefetch,
		lifecycle.KeyTicketCancelled, lifecycle.KeyTicketRefunded)
	if err != nil {
		log.Fatalf("failed to create consumer: %v", err)
	}
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deliveries, err := consumer.Consume(ctx)
	if err != nil {
		log.Fatalf("failed to start consuming: %v", err)
	}

	logger.WithField("queue", cfg.Worker.LifecycleQueue).Info("lifecycle consumer started")
	if err := lifecycle.NewApplier(repo, logger).Run(ctx, deliveries); err != nil && ctx.Err() == nil {
		logger.WithError(err).Error("lifecycle consumer stopped")
		os.Exit(1)
	}
	logger.Info("lifecycle consumer stopped")
}
