package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/realtime-relay/config"
	"github.com/d60-Lab/realtime-relay/internal/api/handler"
	"github.com/d60-Lab/realtime-relay/internal/api/router"
	"github.com/d60-Lab/realtime-relay/internal/model"
	"github.com/d60-Lab/realtime-relay/internal/repository"
	"github.com/d60-Lab/realtime-relay/internal/service"
	"github.com/d60-Lab/realtime-relay/internal/stream"
	"github.com/d60-Lab/realtime-relay/internal/token"
	"github.com/d60-Lab/realtime-relay/pkg/database"
	"github.com/d60-Lab/realtime-relay/pkg/logger"
	"github.com/d60-Lab/realtime-relay/pkg/telemetry"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func mustDo(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	cfg := must(config.Load())
	mustDo(logger.Init(cfg.Server.Mode))
	defer logger.Sync()

	if cfg.Sentry.DSN != "" {
		mustDo(sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
		}))
		defer sentry.Flush(2 * time.Second)
	}

	ctx := context.Background()
	shutdownTracing := must(telemetry.Init(ctx, cfg))
	defer func() { _ = shutdownTracing(ctx) }()

	db := must(database.InitDB(cfg))
	mustDo(db.AutoMigrate(&model.OutboxEvent{}))

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	mustDo(rdb.Ping(ctx).Err())
	defer rdb.Close()

	codec := must(token.NewCodec(cfg.Realtime))
	publisher := stream.NewPublisher(rdb, cfg.Realtime.StreamMaxLen)
	repo := repository.NewOutboxRepository(db)
	outbox := service.NewOutboxService(repo, publisher, cfg.Realtime.DrainWorkers, cfg.Realtime.MaxAttempts)

	drainer := service.NewDrainer(outbox, cfg.Realtime.DrainBatchSize, cfg.Realtime.DrainInterval)
	stopDrainer := drainer.Start()

	h := handler.New(codec, publisher, outbox, cfg.Realtime.TokenTTL, cfg.Realtime.DrainBatchSize)
	engine := router.New(cfg.Server.Mode, h)

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Server.Addr))
		if err := engine.Run(cfg.Server.Addr); err != nil {
			logger.Error("server stopped", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = stopDrainer(stopCtx)
}
