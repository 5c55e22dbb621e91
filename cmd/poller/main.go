package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/richardliu001/account-saga/internal/broker"
	"github.com/richardliu001/account-saga/internal/config"
	"github.com/richardliu001/account-saga/internal/logger"
	"github.com/richardliu001/account-saga/internal/model"
	"github.com/richardliu001/account-saga/internal/outbox"
	"github.com/richardliu001/account-saga/internal/repo"
	"github.com/richardliu001/account-saga/internal/saga"
	"github.com/richardliu001/account-saga/internal/service"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/go-redis/redis/v8"
)

// poller runs the user-service outbox relay and the saga reconciler without
// the HTTP surface, next to or instead of cmd/server.
func main() {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "internal/config/config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	base, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer base.Sync()
	log := logger.Named(base, cfg.Service, "poller")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true, TranslateError: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	pub, err := broker.NewPublisher(ctx, cfg.Broker, logger.Named(base, cfg.Service, "publisher"))
	if err != nil {
		log.Fatalf("broker publisher: %v", err)
	}
	defer pub.Close()

	repository := repo.NewRepository(gdb, rdb, cfg.Redis.TTL, logger.Named(base, cfg.Service, "repo"))

	var orch *saga.Orchestrator
	relay := outbox.NewRelay(repository, pub, cfg.Relay, logger.Named(base, cfg.Service, "relay"),
		outbox.WithSentHook(func(ctx context.Context, evt model.OutboxEvent) { orch.OnCommandSent(ctx, evt) }),
	)
	users := service.NewUserService(repository, logger.Named(base, cfg.Service, "users"))
	orch = saga.NewOrchestrator(repository, repository, users, relay, logger.Named(base, cfg.Service, "saga"))
	reconciler := saga.NewReconciler(orch, cfg.Saga, logger.Named(base, cfg.Service, "reconciler"))

	if err := relay.Start(ctx); err != nil {
		log.Fatalf("start relay: %v", err)
	}
	if err := reconciler.Start(ctx); err != nil {
		log.Fatalf("start reconciler: %v", err)
	}
	log.Info("outbox poller started")

	<-ctx.Done()

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
	defer cancel()
	if err := reconciler.Shutdown(sctx); err != nil {
		log.Warn(err)
	}
	if err := relay.Shutdown(sctx); err != nil {
		log.Warn(err)
	}
	log.Info("outbox poller stopped")
}
