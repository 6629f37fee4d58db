package main

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/yourusername/content-droid/internal/config"
	"github.com/yourusername/content-droid/internal/jobs"
	"github.com/yourusername/content-droid/internal/queue"
	"github.com/yourusername/content-droid/internal/storage"
)

// setupStore は STORE_DRIVER に応じたジョブストアを作成します。
func setupStore(ctx context.Context, cfg *config.Config) (jobs.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreRedis:
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		redisClient := redis.NewClient(opt)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			_ = redisClient.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return jobs.NewRedisStore(redisClient, cfg.JobTTL()), nil
	case config.StorePostgres:
		pool, err := storage.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		store, err := storage.NewPostgresStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil
	case config.StoreSQLite:
		return storage.NewSQLiteStore(ctx, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// setupPublisher は BROKER_DRIVER に応じたパブリッシャーを作成します。
// AMQP の場合はここで一度だけ接続し、失敗したら起動を中止します。
func setupPublisher(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (queue.Publisher, error) {
	switch cfg.BrokerDriver {
	case config.BrokerAMQP:
		conn, err := queue.DialAMQP(ctx, queue.AMQPConfig{
			Host:           cfg.RabbitMQHost,
			Port:           cfg.RabbitMQPort,
			Username:       cfg.RabbitMQUser,
			Password:       cfg.RabbitMQPassword,
			VHost:          cfg.RabbitMQVHost,
			QueueName:      cfg.QueueName,
			ConfirmTimeout: cfg.PublishConfirmTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("connect rabbitmq: %w", err)
		}
		return queue.NewAMQPPublisher(conn), nil
	case config.BrokerAsynq:
		opt, err := asynq.ParseRedisURI(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		return queue.NewAsynqPublisher(opt, cfg.QueueName, cfg.PublishConfirmTimeout), nil
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.BrokerDriver)
	}
}

// setupUpdateConsumer はワーカーの状態報告を受け取る asynq サーバーを作成します。無効なら nil を返します。
func setupUpdateConsumer(cfg *config.Config, manager *jobs.Manager, logger zerolog.Logger) (*jobs.UpdateConsumer, error) {
	if !cfg.UpdateConsumerEnabled {
		return nil, nil
	}
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return jobs.NewUpdateConsumer(opt, cfg.UpdateQueueName, 4, manager, logger)
}
