package push

import (
	"context"
	"fmt"

	rdb "github.com/redis/go-redis/v9"
)

// Backplane relays hub broadcasts between server instances so a subscriber
// connected to any instance receives events published on any other.
type Backplane interface {
	Publish(ctx context.Context, msg []byte) error
	// Subscribe calls fn for every message until ctx is done.
	Subscribe(ctx context.Context, fn func([]byte)) error
	Close() error
}

type backplaneMessage struct {
	Origin   string    `json:"origin"`
	Scope    scopeSpec `json:"scope"`
	Envelope Envelope  `json:"envelope"`
}

// RedisBackplane relays through a Redis pub/sub channel.
type RedisBackplane struct {
	c       *rdb.Client
	channel string
}

// NewRedisBackplane connects to the Redis server at addr.
func NewRedisBackplane(addr string, db int, channel string) *RedisBackplane {
	if channel == "" {
		channel = "fieldsync:push"
	}
	return &RedisBackplane{
		c:       rdb.NewClient(&rdb.Options{Addr: addr, DB: db}),
		channel: channel,
	}
}

// Ping checks that the Redis server is reachable.
func (r *RedisBackplane) Ping(ctx context.Context) error {
	if err := r.c.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}
	return nil
}

func (r *RedisBackplane) Publish(ctx context.Context, msg []byte) error {
	if err := r.c.Publish(ctx, r.channel, msg).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", r.channel, err)
	}
	return nil
}

func (r *RedisBackplane) Subscribe(ctx context.Context, fn func([]byte)) error {
	sub := r.c.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			fn([]byte(m.Payload))
		}
	}
}

func (r *RedisBackplane) Close() error {
	return r.c.Close()
}
