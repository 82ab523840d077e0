package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"manifestme/internal/infra"
	"manifestme/internal/queue"
)

// relay delivers queued tasks to the worker callback until interrupted.
func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "relay")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("relay: redis connection failed")
	}
	defer rdb.Close()

	q := queue.NewRedisQueue(rdb, cfg.TaskQueueKey, cfg.TaskDedupTTL).WithConsumer(cfg.RelayID)
	relay := queue.NewRelay(q, queue.RelayOptions{
		Concurrency:  cfg.RelayConcurrency,
		RatePerSec:   cfg.RelayRatePerSec,
		MaxAttempts:  cfg.RelayMaxAttempts,
		PollTimeout:  5 * time.Second,
		PromoteEvery: time.Second,
		HeartbeatTTL: cfg.RelayHeartbeatTTL,
		Logger:       &logger,
	})

	logger.Info().
		Str("queue", cfg.TaskQueueKey).
		Str("consumer", q.Consumer()).
		Int("concurrency", cfg.RelayConcurrency).
		Float64("rate_per_sec", cfg.RelayRatePerSec).
		Msg("relay: started")
	if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("relay: stopped with error")
	}
	logger.Info().Msg("relay: stopped")
}
