package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS maps each channel to a core NATS subject.
type NATS struct {
	conn   *nats.Conn
	buffer int
	logger *slog.Logger
}

func NewNATS(url string, buffer int, logger *slog.Logger) (*NATS, error) {
	opts := []nats.Option{
		nats.Name("logwarden"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2 * time.Second),
	}
	if logger != nil {
		opts = append(opts,
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn("nats disconnected", "err", err)
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info("nats reconnected", "url", c.ConnectedUrl())
			}),
		)
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	if logger != nil {
		logger.Info("connected to nats bus", "url", conn.ConnectedUrl())
	}
	return &NATS{conn: conn, buffer: buffer, logger: logger}, nil
}

func (n *NATS) Publish(ctx context.Context, channel string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := n.conn.Publish(channel, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", channel, err)
	}
	return nil
}

func (n *NATS) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	sub := &natsSub{out: make(chan Message, n.buffer)}
	handler := func(m *nats.Msg) {
		sub.mu.RLock()
		defer sub.mu.RUnlock()
		if sub.closed {
			return
		}
		deliver(sub.out, Message{Channel: m.Subject, Data: m.Data}, n.logger)
	}
	for _, ch := range channels {
		s, err := n.conn.Subscribe(ch, handler)
		if err != nil {
			_ = sub.Close()
			return nil, fmt.Errorf("nats subscribe %s: %w", ch, err)
		}
		sub.subs = append(sub.subs, s)
	}
	if err := n.conn.FlushTimeout(5 * time.Second); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("nats flush: %w", err)
	}
	return sub, nil
}

func (n *NATS) Close() error {
	n.conn.Close()
	return nil
}

type natsSub struct {
	mu     sync.RWMutex
	subs   []*nats.Subscription
	out    chan Message
	closed bool
}

func (s *natsSub) Messages() <-chan Message {
	return s.out
}

func (s *natsSub) Close() error {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	return nil
}
