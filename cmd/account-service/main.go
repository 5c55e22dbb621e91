package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/richardliu001/account-saga/internal/account"
	"github.com/richardliu001/account-saga/internal/broker"
	"github.com/richardliu001/account-saga/internal/config"
	"github.com/richardliu001/account-saga/internal/logger"
	"github.com/richardliu001/account-saga/internal/message"
	"github.com/richardliu001/account-saga/internal/metrics"
	"github.com/richardliu001/account-saga/internal/outbox"
	"github.com/richardliu001/account-saga/internal/repo"
	httptransport "github.com/richardliu001/account-saga/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "internal/config/account.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	base, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer base.Sync()
	log := logger.Named(base, cfg.Service, "main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. metrics
	var (
		m              *metrics.Metrics
		metricsHandler http.Handler
	)
	if cfg.Metrics.Enabled {
		prov, err := metrics.Setup(ctx, cfg.Service)
		if err != nil {
			log.Fatalf("metrics: %v", err)
		}
		defer prov.Shutdown(context.Background())
		if m, err = metrics.New(); err != nil {
			log.Fatalf("metrics: %v", err)
		}
		metricsHandler = prov.Handler()
	}

	// 4. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true, TranslateError: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	// 5. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}
	defer rdb.Close()

	// 6. repo & migrations
	repository := repo.NewRepository(gdb, rdb, cfg.Redis.TTL, logger.Named(base, cfg.Service, "repo"))
	if err := repository.MigrateAccounts(ctx); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 7. broker
	pub, err := broker.NewPublisher(ctx, cfg.Broker, logger.Named(base, cfg.Service, "publisher"))
	if err != nil {
		log.Fatalf("broker publisher: %v", err)
	}
	defer pub.Close()
	sub, err := broker.NewConsumer(ctx, cfg.Broker, message.CommandTopics, cfg.Consumer.RetryMaxDelay,
		logger.Named(base, cfg.Service, "subscriber"))
	if err != nil {
		log.Fatalf("broker consumer: %v", err)
	}
	defer sub.Close()

	// 8. command handling
	relay := outbox.NewRelay(repository, pub, cfg.Relay, logger.Named(base, cfg.Service, "relay"), outbox.WithMetrics(m))
	handler := account.NewCommandHandler(repository, relay, logger.Named(base, cfg.Service, "commands"), m)
	commands := account.NewCommandConsumer(handler, sub, logger.Named(base, cfg.Service, "consumer"))

	// 9. gin router
	router := httptransport.NewAccountRouter(
		httptransport.AccountAPI{Accounts: account.NewService(repository, logger.Named(base, cfg.Service, "accounts")), Outbox: relay},
		metricsHandler, cfg.RateLimit, logger.Named(base, cfg.Service, "http"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 10. run until signalled
	if err := relay.Start(ctx); err != nil {
		log.Fatalf("start relay: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return commands.Run(gctx) })
	g.Go(func() error {
		log.Infof("account-service listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Consumer.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		log.Errorw("account-service stopped with error", "err", err)
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
	defer cancel()
	if err := relay.Shutdown(sctx); err != nil {
		log.Warn(err)
	}
	log.Info("account-service stopped")
}
