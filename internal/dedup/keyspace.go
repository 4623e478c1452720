package dedup

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotApplied marks a failed check-and-set that is known not to have
// reached the key space.
var ErrNotApplied = errors.New("dedup write not applied")

// KeySpace is a TTL key store with an atomic insert-if-absent.
type KeySpace interface {
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// MemoryKeySpace keeps keys in process memory.
type MemoryKeySpace struct {
	mu    sync.Mutex
	items map[string]time.Time
	now   func() time.Time
}

func NewMemoryKeySpace() *MemoryKeySpace {
	return NewMemoryKeySpaceWithClock(time.Now)
}

func NewMemoryKeySpaceWithClock(now func() time.Time) *MemoryKeySpace {
	return &MemoryKeySpace{items: make(map[string]time.Time), now: now}
}

func (m *MemoryKeySpace) SetIfAbsent(ctx context.Context, key, _ string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, errors.Join(ErrNotApplied, err)
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.items[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.items[key] = now.Add(ttl)
	if len(m.items) > 10000 {
		m.compact(now)
	}
	return true, nil
}

func (m *MemoryKeySpace) compact(now time.Time) {
	for k, exp := range m.items {
		if !now.Before(exp) {
			delete(m.items, k)
		}
	}
}

// RedisKeySpace stores keys in Redis with SET NX PX.
type RedisKeySpace struct {
	rdb   *redis.Client
	owned bool
}

func NewRedisKeySpace(rdb *redis.Client) *RedisKeySpace {
	return &RedisKeySpace{rdb: rdb}
}

// Close releases the client only when the key space dialed it itself.
func (r *RedisKeySpace) Close() error {
	if !r.owned {
		return nil
	}
	return r.rdb.Close()
}

func (r *RedisKeySpace) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		if notSent(err) {
			return false, errors.Join(ErrNotApplied, err)
		}
		return false, err
	}
	return ok, nil
}

// notSent reports errors raised before the command could reach the server.
func notSent(err error) bool {
	if errors.Is(err, redis.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return false
}
