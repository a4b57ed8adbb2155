package channels

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mngfx/market-feed/pkg/config"
)

// Open builds the configured channel layer. A Redis layer is pinged and its
// pub/sub loop started under ctx. The kafka backend still fans out through
// Redis: the processor relays the topic there.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Layer, error) {
	switch cfg.Channels.Backend {
	case config.BackendInMemory:
		return NewMemoryLayer(logger), nil
	case config.BackendRedis, config.BackendKafka:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("%w: redis %s: %v", ErrNoChannelLayer, cfg.Redis.Addr, err)
		}
		layer := NewRedisLayer(rdb, logger)
		go layer.Run(ctx)
		return layer, nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrNoChannelLayer, cfg.Channels.Backend)
	}
}

// OpenSender builds the publish side. With the kafka backend ticks go to
// the topic and reach groups through the processor.
func OpenSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Sender, error) {
	if cfg.Channels.Backend != config.BackendKafka {
		return Open(ctx, cfg, logger)
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("%w: no kafka brokers", ErrNoChannelLayer)
	}

	creator := NewTopicCreator(logger, &RealKafkaDialer{Dialer: &kafka.Dialer{Timeout: 10 * time.Second}}, 200*time.Millisecond)
	creator.Create(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic)

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
	}
	return NewKafkaSender(writer), nil
}
