package bus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logwarden/internal/config"
)

func receive(t *testing.T, sub Subscription) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

// exerciseBroadcast checks the contract every driver must honour.
func exerciseBroadcast(t *testing.T, b Bus) {
	ctx := context.Background()
	subA, err := b.Subscribe(ctx, "alerts")
	require.NoError(t, err)
	defer subA.Close()
	subB, err := b.Subscribe(ctx, "alerts", "actions")
	require.NoError(t, err)
	defer subB.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, b.Publish(ctx, "alerts", []byte(fmt.Sprintf("a-%d", i))))
	}
	require.NoError(t, b.Publish(ctx, "actions", []byte("act")))

	for i := 0; i < 20; i++ {
		assert.Equal(t, fmt.Sprintf("a-%d", i), string(receive(t, subA).Data))
	}

	// Order is per channel; the two channels of subB may interleave.
	byChannel := map[string][]string{}
	for i := 0; i < 21; i++ {
		got := receive(t, subB)
		byChannel[got.Channel] = append(byChannel[got.Channel], string(got.Data))
	}
	require.Len(t, byChannel["alerts"], 20)
	for i, data := range byChannel["alerts"] {
		assert.Equal(t, fmt.Sprintf("a-%d", i), data)
	}
	assert.Equal(t, []string{"act"}, byChannel["actions"])
}

func TestMemoryBroadcast(t *testing.T) {
	exerciseBroadcast(t, NewMemory(64))
}

func TestMemoryLateSubscriberMissesEarlierMessages(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(8)
	require.NoError(t, b.Publish(ctx, "raw_logs", []byte("early")))

	sub, err := b.Subscribe(ctx, "raw_logs")
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "raw_logs", []byte("late")))
	assert.Equal(t, "late", string(receive(t, sub).Data))
	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected message %q", msg.Data)
	default:
	}
}

func TestMemoryFullSubscriberDrops(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(2)
	sub, err := b.Subscribe(ctx, "raw_logs")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, "raw_logs", []byte{byte(i)}))
	}
	assert.Len(t, sub.Messages(), 2)
}

func TestMemoryCloseEndsSubscriptions(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(2)
	sub, err := b.Subscribe(ctx, "alerts")
	require.NoError(t, err)
	require.NoError(t, b.Close())
	_, ok := <-sub.Messages()
	assert.False(t, ok)
	assert.ErrorIs(t, b.Publish(ctx, "alerts", nil), ErrClosed)
	require.NoError(t, sub.Close())
}

type flakyBus struct {
	Bus
	failures int
	calls    int
}

func (f *flakyBus) Publish(ctx context.Context, channel string, data []byte) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("transport down")
	}
	return f.Bus.Publish(ctx, channel, data)
}

func TestPublishRetryOnce(t *testing.T) {
	ctx := context.Background()
	b := &flakyBus{Bus: NewMemory(4), failures: 1}
	require.NoError(t, PublishRetry(ctx, b, "raw_logs", []byte("x"), time.Millisecond))
	assert.Equal(t, 2, b.calls)

	b = &flakyBus{Bus: NewMemory(4), failures: 2}
	require.Error(t, PublishRetry(ctx, b, "raw_logs", []byte("x"), time.Millisecond))
	assert.Equal(t, 2, b.calls)
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := New(context.Background(), config.BusConfig{Driver: "carrier-pigeon"}, nil)
	require.Error(t, err)
}

func runNATSServer(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   server.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		t.Fatal("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestNATSBroadcast(t *testing.T) {
	ns := runNATSServer(t)
	b, err := New(context.Background(), config.BusConfig{Driver: "nats", NATSURL: ns.ClientURL(), BufferSize: 64}, nil)
	require.NoError(t, err)
	defer b.Close()
	exerciseBroadcast(t, b)
}

func TestNATSUnreachableIsError(t *testing.T) {
	_, err := NewNATS("nats://127.0.0.1:1", 8, nil)
	require.Error(t, err)
}

func TestRedisBroadcast(t *testing.T) {
	url := os.Getenv("LOGWARDEN_TEST_REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := NewRedis(ctx, url, 64, nil)
	if err != nil {
		t.Skip("Redis not available")
	}
	defer b.Close()
	exerciseBroadcast(t, b)
}
