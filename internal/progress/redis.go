package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes snapshots as JSON on "<prefix>:<operation id>"
// and on the aggregate channel "<prefix>".
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisClient parses url and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func NewRedisPublisher(client *redis.Client, prefix string) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix}
}

// Channel returns the per-operation channel name.
func (p *RedisPublisher) Channel(id string) string {
	return p.prefix + ":" + id
}

func (p *RedisPublisher) Publish(ctx context.Context, s Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	pipe := p.client.Pipeline()
	pipe.Publish(ctx, p.Channel(s.OperationID), data)
	pipe.Publish(ctx, p.prefix, data)
	_, err = pipe.Exec(ctx)
	return err
}
