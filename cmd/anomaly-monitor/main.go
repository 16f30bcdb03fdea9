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
	mongoadapter "github.com/robertarktes/ticket-admission/internal/adapters/mongo"
	"github.com/robertarktes/ticket-admission/internal/adapters/rabbit"
	"github.com/robertarktes/ticket-admission/internal/admission"
	"github.com/robertarktes/ticket-admission/internal/anomaly"
	"github.com/robertarktes/ticket-admission/internal/antifraud"
	"github.com/robertarktes/ticket-admission/internal/clock"
	"github.com/robertarktes/ticket-admission/internal/config"
	"github.com/robertarktes/ticket-admission/internal/ledger"
	"github.com/robertarktes/ticket-admission/internal/observability"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg, "ticket-admission-anomaly")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger(cfg.LogLevel)
	clk := clock.NewSystem()

	pool, err := pgxpool.New(context.Background(), cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)

	mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	audit := mongoadapter.NewAuditLogger(mongoClient.Database(cfg.MongoDB), logger)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	rabbitPub, err := rabbit.NewPublisher(conn)
	if err != nil {
		log.Fatalf("failed to create publisher: %v", err)
	}
	defer rabbitPub.Close()

	guardCfg := antifraud.FromSettings(cfg)
	engine := admission.NewEngine(repo, ledger.New(repo, clk, ledger.WithReadTimeout(cfg.StorageTimeout)), clk,
		admission.WithStorageTimeout(cfg.StorageTimeout),
		admission.WithLogger(logger),
	)
	guard := antifraud.NewGuard(engine, repo, clk, guardCfg, logger)
	monitor := anomaly.NewMonitor(repo, guard, rabbitPub, audit, clk, logger,
		guardCfg.AnomalyWindow, cfg.Worker.AnomalyInterval)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("anomaly monitor started")
	monitor.Run(ctx)
	logger.Info("anomaly monitor stopped")
}
