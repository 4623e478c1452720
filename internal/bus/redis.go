package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis carries channels over Redis PUBLISH/SUBSCRIBE.
type Redis struct {
	rdb    *redis.Client
	buffer int
	logger *slog.Logger
}

func NewRedis(ctx context.Context, url string, buffer int, logger *slog.Logger) (*Redis, error) {
	rdb, err := NewRedisClient(ctx, url)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("connected to redis bus", "addr", rdb.Options().Addr)
	}
	return &Redis{rdb: rdb, buffer: buffer, logger: logger}, nil
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

func (r *Redis) Client() *redis.Client {
	return r.rdb
}

func (r *Redis) Publish(ctx context.Context, channel string, data []byte) error {
	if err := r.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := r.rdb.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	sub := &redisSub{ps: ps, out: make(chan Message, r.buffer)}
	src := ps.Channel(redis.WithChannelSize(r.buffer))
	go func() {
		defer close(sub.out)
		for m := range src {
			deliver(sub.out, Message{Channel: m.Channel, Data: []byte(m.Payload)}, r.logger)
		}
	}()
	return sub, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

type redisSub struct {
	ps   *redis.PubSub
	out  chan Message
	once sync.Once
	err  error
}

func (s *redisSub) Messages() <-chan Message {
	return s.out
}

func (s *redisSub) Close() error {
	s.once.Do(func() { s.err = s.ps.Close() })
	return s.err
}
