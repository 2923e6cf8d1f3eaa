package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openfleet/openfleet/internal/common/config"
	"github.com/openfleet/openfleet/internal/common/logger"
)

// RedisEventBus implements EventBus on Redis pub/sub. Deployments that
// already run Redis can point REDIS_URL at it instead of standing up NATS.
type RedisEventBus struct {
	client *redis.Client
	logger *logger.Logger

	mu     sync.Mutex
	subs   []*redisSubscription
	closed bool
}

type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	active bool
	mu     sync.Mutex
}

// NewRedisEventBus connects to Redis and verifies the connection.
func NewRedisEventBus(cfg config.BusConfig, log *logger.Logger) (*RedisEventBus, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	log.Info("connected to Redis", zap.String("addr", opts.Addr))
	return &RedisEventBus{client: client, logger: log}, nil
}

// Publish sends an event to a channel.
func (b *RedisEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := b.client.Publish(ctx, subject, data).Err(); err != nil {
		b.logger.Error("failed to publish event",
			zap.String("subject", subject),
			zap.String("event_type", event.Type),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish event: %w", err)
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
	)
	return nil
}

// Subscribe creates a subscription to a channel. Messages are handled in
// receive order on a dedicated goroutine.
func (b *RedisEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, subject)

	sub := &redisSubscription{pubsub: pubsub, cancel: cancel, active: true}
	b.subs = append(b.subs, sub)

	go func() {
		for msg := range pubsub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Error("failed to unmarshal event",
					zap.String("subject", msg.Channel),
					zap.Error(err),
				)
				continue
			}
			if err := handler(ctx, &event); err != nil {
				b.logger.Error("event handler failed",
					zap.String("subject", msg.Channel),
					zap.String("event_id", event.ID),
					zap.Error(err),
				)
			}
		}
	}()

	b.logger.Debug("subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// QueueSubscribe degrades to a plain subscription: Redis pub/sub has no
// queue groups, so every subscriber receives every event.
func (b *RedisEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	b.logger.Warn("redis bus has no queue groups, using plain subscription",
		zap.String("subject", subject),
		zap.String("queue", queue))
	return b.Subscribe(subject, handler)
}

// Close closes all subscriptions and the client.
func (b *RedisEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	if err := b.client.Close(); err != nil {
		b.logger.Warn("error closing redis client", zap.Error(err))
	}
	b.logger.Info("redis event bus closed")
}

// IsConnected pings Redis to report connection status.
func (b *RedisEventBus) IsConnected() bool {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return false
	}
	return b.client.Ping(context.Background()).Err() == nil
}

// Unsubscribe closes the underlying pub/sub channel.
func (s *redisSubscription) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return nil
	}
	s.active = false
	s.cancel()
	return s.pubsub.Close()
}

// IsValid returns whether the subscription is still active.
func (s *redisSubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
