package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"logwarden/internal/bus"
	"logwarden/internal/config"
	"logwarden/internal/model"
)

// Outcome of a dedup check.
type Outcome int

const (
	Accepted Outcome = iota
	Duplicate
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	default:
		return "dropped"
	}
}

// Deduper admits each distinct action once per TTL within one key prefix.
type Deduper struct {
	keys   KeySpace
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func NewDeduper(keys KeySpace, prefix string, ttl time.Duration) *Deduper {
	return &Deduper{keys: keys, prefix: prefix, ttl: ttl, now: time.Now}
}

func (d *Deduper) Key(fp string) string {
	return d.prefix + ":dedupe:" + fp
}

// Check fingerprints a and claims its key. A key-space failure that is known
// not to have been applied admits the action; any other failure drops it.
func (d *Deduper) Check(ctx context.Context, a model.Action) (Outcome, string, error) {
	fp, err := Fingerprint(a)
	if err != nil {
		return Dropped, "", err
	}
	value := strconv.FormatInt(d.now().Unix(), 10)
	ok, err := d.keys.SetIfAbsent(ctx, d.Key(fp), value, d.ttl)
	if err != nil {
		if errors.Is(err, ErrNotApplied) {
			return Accepted, fp, err
		}
		return Dropped, fp, err
	}
	if !ok {
		return Duplicate, fp, nil
	}
	return Accepted, fp, nil
}

// NewKeySpace builds the configured key space. A Redis bus client is reused
// when it points at the same server.
func NewKeySpace(ctx context.Context, cfg config.DedupConfig, b bus.Bus, logger *slog.Logger) (KeySpace, error) {
	switch strings.ToLower(cfg.Driver) {
	case "memory":
		return NewMemoryKeySpace(), nil
	case "redis":
		if rb, ok := b.(*bus.Redis); ok && sameRedis(rb, cfg.RedisURL) {
			return NewRedisKeySpace(rb.Client()), nil
		}
		rdb, err := bus.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		if logger != nil {
			logger.Info("dedup key space on redis", "addr", rdb.Options().Addr)
		}
		return &RedisKeySpace{rdb: rdb, owned: true}, nil
	default:
		return nil, fmt.Errorf("unsupported dedup driver: %q", cfg.Driver)
	}
}

func sameRedis(rb *bus.Redis, url string) bool {
	opts := rb.Client().Options()
	parsed, err := redis.ParseURL(url)
	if err != nil {
		return false
	}
	return opts.Addr == parsed.Addr && opts.DB == parsed.DB
}
