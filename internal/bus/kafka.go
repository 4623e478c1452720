package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Kafka maps each channel to a single-partition topic. Subscribers read
// without a consumer group starting at the newest offset, so every
// subscriber sees every later message and nothing older.
type Kafka struct {
	brokers []string
	writer  *kafka.Writer
	buffer  int
	logger  *slog.Logger
}

func NewKafka(ctx context.Context, brokers []string, buffer int, logger *slog.Logger) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers required")
	}
	if err := pingKafka(ctx, brokers); err != nil {
		return nil, err
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               kafka.BalancerFunc(func(_ kafka.Message, partitions ...int) int { return partitions[0] }),
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	if logger != nil {
		logger.Info("connected to kafka bus", "brokers", brokers)
	}
	return &Kafka{brokers: brokers, writer: w, buffer: buffer, logger: logger}, nil
}

func pingKafka(ctx context.Context, brokers []string) error {
	var lastErr error
	for _, b := range brokers {
		conn, err := kafka.DialContext(ctx, "tcp", b)
		if err != nil {
			lastErr = err
			continue
		}
		_ = conn.Close()
		return nil
	}
	return fmt.Errorf("failed to connect to kafka: %w", lastErr)
}

func (k *Kafka) Publish(ctx context.Context, channel string, data []byte) error {
	if err := k.writer.WriteMessages(ctx, kafka.Message{Topic: channel, Value: data}); err != nil {
		return fmt.Errorf("kafka publish %s: %w", channel, err)
	}
	return nil
}

func (k *Kafka) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	subCtx, cancel := context.WithCancel(context.Background())
	sub := &kafkaSub{out: make(chan Message, k.buffer), cancel: cancel}
	for _, ch := range channels {
		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:   k.brokers,
			Topic:     ch,
			Partition: 0,
			MinBytes:  1,
			MaxBytes:  10e6,
			MaxWait:   250 * time.Millisecond,
		})
		if err := r.SetOffset(kafka.LastOffset); err != nil {
			_ = r.Close()
			_ = sub.Close()
			return nil, fmt.Errorf("kafka subscribe %s: %w", ch, err)
		}
		sub.readers = append(sub.readers, r)
	}
	if err := ctx.Err(); err != nil {
		_ = sub.Close()
		return nil, err
	}
	for _, r := range sub.readers {
		sub.wg.Add(1)
		go k.readLoop(subCtx, r, sub)
	}
	go func() {
		sub.wg.Wait()
		close(sub.out)
	}()
	return sub, nil
}

func (k *Kafka) readLoop(ctx context.Context, r *kafka.Reader, sub *kafkaSub) {
	defer sub.wg.Done()
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if k.logger != nil {
				k.logger.Warn("kafka read failed", "topic", r.Config().Topic, "err", err)
			}
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}
		deliver(sub.out, Message{Channel: m.Topic, Data: m.Value}, k.logger)
	}
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

type kafkaSub struct {
	readers []*kafka.Reader
	out     chan Message
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

func (s *kafkaSub) Messages() <-chan Message {
	return s.out
}

func (s *kafkaSub) Close() error {
	s.once.Do(func() {
		s.cancel()
		for _, r := range s.readers {
			_ = r.Close()
		}
	})
	return nil
}
