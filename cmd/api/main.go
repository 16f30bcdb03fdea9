package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/ticket-admission/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/ticket-admission/internal/adapters/mongo"
	redisadapter "github.com/robertarktes/ticket-admission/internal/adapters/redis"
	"github.com/robertarktes/ticket-admission/internal/admission"
	"github.com/robertarktes/ticket-admission/internal/antifraud"
	"github.com/robertarktes/ticket-admission/internal/clock"
	"github.com/robertarktes/ticket-admission/internal/config"
	httphandler "github.com/robertarktes/ticket-admission/internal/http"
	"github.com/robertarktes/ticket-admission/internal/idempotency"
	"github.com/robertarktes/ticket-admission/internal/ledger"
	"github.com/robertarktes/ticket-admission/internal/observability"
	"github.com/robertarktes/ticket-admission/internal/pricing"
	"github.com/robertarktes/ticket-admission/internal/rateLimit"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg, "ticket-admission-api")
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
	if err := repo.Migrate(context.Background()); err != nil {
		log.Fatalf("failed to migrate crdb: %v", err)
	}

	mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	mongoDB := mongoClient.Database(cfg.MongoDB)
	audit := mongoadapter.NewAuditLogger(mongoDB, logger)

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	redisCache := redisadapter.NewCache(redisClient)
	idemp := idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient), cfg.Idempotency.TTL, logger)
	rl := rateLimit.NewRateLimiter(redisCache, cfg.RateLimit.Requests, cfg.RateLimit.Period, logger)

	// readiness only, events leave through the outbox publisher
	rabbitConn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer rabbitConn.Close()

	led := ledger.New(repo, clk, ledger.WithReadTimeout(cfg.StorageTimeout))
	engine := admission.NewEngine(repo, led, clk,
		admission.WithOutbox(repo),
		admission.WithAuditSink(audit),
		admission.WithStorageTimeout(cfg.StorageTimeout),
		admission.WithLogger(logger),
	)
	guard := antifraud.NewGuard(engine, repo, clk, antifraud.FromSettings(cfg), logger)
	quoter := pricing.NewQuoter(repo, clk)

	checks := map[string]httphandler.Check{
		"crdb":  repo.Ping,
		"redis": redisCache.Ping,
		"mongo": func(ctx context.Context) error { return mongoClient.Ping(ctx, nil) },
		"rabbitmq": func(context.Context) error {
			if rabbitConn.IsClosed() {
				return amqp.ErrClosed
			}
			return nil
		},
	}
	handlers := httphandler.NewHandlers(guard, engine, led, quoter, checks, logger)
	r := httphandler.SetupRouter(handlers, logger, rl, idemp)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down api")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("server shutdown")
	}
	logger.Info("api exited")
}
