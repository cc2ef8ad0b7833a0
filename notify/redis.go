package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "txengine:notifications"

// RedisNotifier publishes outcomes as JSON on a redis pub/sub channel.
type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
}

type RedisOption func(*RedisNotifier)

// WithChannel overrides the publish channel.
func WithChannel(channel string) RedisOption {
	return func(r *RedisNotifier) {
		if channel != "" {
			r.channel = channel
		}
	}
}

func NewRedisNotifier(client redis.UniversalClient, opts ...RedisOption) *RedisNotifier {
	r := &RedisNotifier{client: client, channel: DefaultChannel}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Channel returns the channel outcomes are published on.
func (r *RedisNotifier) Channel() string { return r.channel }

func (r *RedisNotifier) Notify(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}
