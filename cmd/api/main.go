package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mastermcphill/fliptrybe-sub001/internal/api"
	"github.com/Mastermcphill/fliptrybe-sub001/internal/commission"
	"github.com/Mastermcphill/fliptrybe-sub001/internal/config"
	"github.com/Mastermcphill/fliptrybe-sub001/internal/events"
	"github.com/Mastermcphill/fliptrybe-sub001/internal/idempotency"
	"github.com/Mastermcphill/fliptrybe-sub001/internal/queue"
	"github.com/Mastermcphill/fliptrybe-sub001/internal/service"
	"github.com/Mastermcphill/fliptrybe-sub001/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPool, err := store.Connect(ctx, cfg.DBSource)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer dbPool.Close()

	// Initialize Layers
	st := store.NewPgStore(dbPool)
	ledger := idempotency.NewPgLedger(dbPool)
	engine := commission.NewEngine(cfg.Commission)

	intents := service.NewIntentService(st, logger)
	escrows := service.NewEscrowService(st, st, engine, logger)
	settler := service.NewSettler(ledger, intents, service.HMACVerifier{Secrets: cfg.WebhookSecrets}, logger)
	reconcile := service.NewReconcileJob(st, st, cfg.ReconcileToleranceMinor, logger)

	var q queue.Queue
	if cfg.RedisURL != "" {
		client, err := queue.ConnectRedis(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Unable to connect to redis: %v", err)
		}
		defer client.Close()
		q = queue.NewRedisQueue(client, "webhooks")
	} else {
		q = queue.NewMemQueue(256)
	}

	worker := queue.NewWorker(q, settler, cfg.Retry, cfg.Workers, logger)
	go worker.Run(ctx)

	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			log.Fatalf("Unable to create kafka publisher: %v", err)
		}
		defer publisher.Close()
		outbox := events.NewOutboxWorker(st, publisher, 2*time.Second, 50, 10, logger)
		go outbox.Run(ctx)
	}

	handler := api.NewHandler(intents, escrows, st, ledger,
		idempotency.Policy{RequiredPrefixes: cfg.RequiredScopes}, q, reconcile, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", slog.String("error", err.Error()))
		}
	}()

	logger.Info("server starting", slog.String("port", cfg.Port), slog.String("env", cfg.Env))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
