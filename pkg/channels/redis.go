package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mngfx/market-feed/pkg/models"
)

const channelPrefix = "group."

// Compile-time check to ensure RedisLayer implements Layer
var _ Layer = (*RedisLayer)(nil)

// ChannelName is the Redis pub/sub channel carrying a group's events.
func ChannelName(group string) string { return channelPrefix + group }

// RedisLayer shares groups across processes through Redis pub/sub. Each
// process subscribes a group's channel while it has at least one local
// member and fans received events out to those members.
type RedisLayer struct {
	client   *redis.Client
	pubsub   *redis.PubSub
	registry *Registry
	logger   *zap.Logger
	mu       sync.Mutex // orders upstream subscribe/unsubscribe with first/last member
}

func NewRedisLayer(client *redis.Client, logger *zap.Logger) *RedisLayer {
	return &RedisLayer{
		client:   client,
		pubsub:   client.Subscribe(context.Background()),
		registry: NewRegistry(),
		logger:   logger,
	}
}

func (l *RedisLayer) GroupAdd(ctx context.Context, group string, m Member) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if first := l.registry.Add(group, m); first {
		if err := l.pubsub.Subscribe(ctx, ChannelName(group)); err != nil {
			l.registry.Discard(group, m.ID())
			return fmt.Errorf("subscribe %s: %w", group, err)
		}
		l.logger.Debug("Subscribed upstream", zap.String("group", group))
	}
	return nil
}

func (l *RedisLayer) GroupDiscard(ctx context.Context, group string, memberID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, last := l.registry.Discard(group, memberID)
	if !last {
		return nil
	}
	if err := l.pubsub.Unsubscribe(ctx, ChannelName(group)); err != nil {
		// membership is already gone locally; stray events find no members
		l.logger.Error("Failed to unsubscribe upstream", zap.String("group", group), zap.Error(err))
	}
	return nil
}

func (l *RedisLayer) GroupSend(ctx context.Context, group string, ev models.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return l.client.Publish(ctx, ChannelName(group), payload).Err()
}

// Run reads the pub/sub stream until ctx is done or the layer is closed,
// dispatching each event to the local members of its group.
func (l *RedisLayer) Run(ctx context.Context) {
	ch := l.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			group, found := strings.CutPrefix(msg.Channel, channelPrefix)
			if !found {
				continue
			}
			var ev models.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				l.logger.Warn("Dropping malformed event", zap.String("group", group), zap.Error(err))
				continue
			}
			fanOut(l.registry, group, ev)
		}
	}
}

func (l *RedisLayer) Registry() *Registry { return l.registry }

func (l *RedisLayer) Close() error {
	if err := l.pubsub.Close(); err != nil {
		return err
	}
	return l.client.Close()
}
