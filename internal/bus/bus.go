// Package bus is the named-channel broadcast transport between components.
//
// Every driver shares the same contract: a published message reaches every
// subscriber of that channel that is subscribed at publish time, messages
// from one publisher arrive in publish order, and nothing is persisted,
// acknowledged or replayed. A slow subscriber loses messages.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"logwarden/internal/config"
)

var ErrClosed = errors.New("bus closed")

type Message struct {
	Channel string
	Data    []byte
}

type Subscription interface {
	Messages() <-chan Message
	Close() error
}

type Bus interface {
	Publish(ctx context.Context, channel string, data []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	Close() error
}

// New connects the driver named in cfg. Drivers that talk to a server fail
// here when it is unreachable.
func New(ctx context.Context, cfg config.BusConfig, logger *slog.Logger) (Bus, error) {
	switch strings.ToLower(cfg.Driver) {
	case "memory":
		return NewMemory(cfg.BufferSize), nil
	case "redis":
		return NewRedis(ctx, cfg.RedisURL, cfg.BufferSize, logger)
	case "nats":
		return NewNATS(cfg.NATSURL, cfg.BufferSize, logger)
	case "kafka":
		return NewKafka(ctx, cfg.KafkaBrokers, cfg.BufferSize, logger)
	default:
		return nil, fmt.Errorf("unsupported bus driver: %q", cfg.Driver)
	}
}

// PublishRetry publishes once and, on failure, once more after wait.
func PublishRetry(ctx context.Context, b Bus, channel string, data []byte, wait time.Duration) error {
	err := b.Publish(ctx, channel, data)
	if err == nil {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return err
	}
	if retryErr := b.Publish(ctx, channel, data); retryErr != nil {
		return fmt.Errorf("publish %s after retry: %w", channel, retryErr)
	}
	return nil
}

// deliver hands msg to out without blocking the transport's read loop.
func deliver(out chan<- Message, msg Message, logger *slog.Logger) {
	select {
	case out <- msg:
	default:
		if logger != nil {
			logger.Warn("subscriber buffer full, dropping message", "channel", msg.Channel)
		}
	}
}
