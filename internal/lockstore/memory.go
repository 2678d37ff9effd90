package lockstore

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// memConn is a TTL-respecting in-process store. Expiry is evaluated
// lazily on access, which is enough for lease semantics: an expired key
// is indistinguishable from an absent one.
type memConn struct {
	mu   sync.Mutex
	data map[string]memEntry

	subMu sync.RWMutex
	subs  map[string]map[uint64]chan Message
	seq   uint64

	closed bool
}

// NewMemory returns an in-process Conn.
func NewMemory() Conn {
	return &memConn{
		data: map[string]memEntry{},
		subs: map[string]map[uint64]chan Message{},
	}
}

func (m *memConn) get(key string) (memEntry, bool) {
	e, ok := m.data[key]
	if !ok {
		return memEntry{}, false
	}
	if e.expired(time.Now()) {
		delete(m.data, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *memConn) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.get(key); ok {
		return false, nil
	}
	m.data[key] = memEntry{value: value, expiresAt: expiry(ttl)}
	return true, nil
}

func (m *memConn) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.get(key)
	if !ok || e.value != value {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

func (m *memConn) CompareAndExtend(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.get(key)
	if !ok || e.value != value {
		return false, nil
	}
	e.expiresAt = expiry(ttl)
	m.data[key] = e
	return true, nil
}

func (m *memConn) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.get(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *memConn) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.Get(ctx, key)
	return ok, err
}

func (m *memConn) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = memEntry{value: value, expiresAt: expiry(ttl)}
	return nil
}

func (m *memConn) Publish(ctx context.Context, channel, payload string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.subMu.RLock()
	chs := make([]chan Message, 0, len(m.subs[channel]))
	for _, ch := range m.subs[channel] {
		chs = append(chs, ch)
	}
	m.subMu.RUnlock()

	msg := Message{Channel: channel, Payload: payload}
	for _, ch := range chs {
		// Non-blocking delivery, matching the redis driver's contract.
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (m *memConn) Subscribe(ctx context.Context, channel string) (<-chan Message, func()) {
	ch := make(chan Message, 64)

	m.subMu.Lock()
	m.seq++
	id := m.seq
	if m.subs[channel] == nil {
		m.subs[channel] = map[uint64]chan Message{}
	}
	m.subs[channel][id] = ch
	m.subMu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs[channel], id)
			m.subMu.Unlock()
		})
	}

	go func() {
		<-ctx.Done()
		unsub()
	}()
	return ch, unsub
}

func (m *memConn) Ping(ctx context.Context) error { return ctx.Err() }

func (m *memConn) Close() error {
	m.mu.Lock()
	m.closed = true
	m.data = map[string]memEntry{}
	m.mu.Unlock()
	return nil
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
