package lockstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"agentsched/pkg/logx"
)

// Config configures the lock store connection.
//
// Driver values:
//   - "redis": shared Redis instance (production)
//   - "memory": in-process store (tests, single-node development)
type Config struct {
	Driver string

	// Addr is either a host:port pair or a redis:// URL.
	Addr string

	// DialTimeout bounds the initial ping. 0 means 5s.
	DialTimeout time.Duration
}

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Conn is the store-side contract the lock protocol builds on.
//
// CompareAndDelete and CompareAndExtend must be atomic with respect to
// concurrent SetNX calls on the same key; anything weaker reintroduces
// the check-then-act race the token protocol exists to close.
type Conn interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	CompareAndExtend(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Exists(ctx context.Context, key string) (bool, error)

	// Set writes unconditionally with a TTL. Used for instance heartbeats,
	// never for locks.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	Publish(ctx context.Context, channel, payload string) error

	// Subscribe delivers messages on the returned channel until the
	// unsubscribe func is called or ctx is cancelled. Slow consumers may
	// drop messages.
	Subscribe(ctx context.Context, channel string) (<-chan Message, func())

	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured driver.
func Open(cfg Config, log logx.Logger) (Conn, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "redis":
		return openRedis(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown lockstore driver: " + driver)
	}
}
