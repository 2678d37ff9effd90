package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentsched/internal/lockstore"
	"agentsched/pkg/logx"
)

const acquirePollInterval = 100 * time.Millisecond

// renewJoinTimeout bounds how long Release waits for the renewal
// goroutine to stop before deleting the key. A renewal that is still
// in flight after this window can only extend our own token, which the
// subsequent compare-and-delete removes anyway.
const renewJoinTimeout = time.Second

// Lock is a single named, token-owned lease.
//
// Ownership is defined purely by token equality at the store key: a
// Lock whose lease expired and was re-acquired by another instance can
// neither extend nor delete the new holder's key. Construct one Lock
// per acquisition attempt and discard it after Release.
type Lock struct {
	store     lockstore.Conn
	log       logx.Logger
	name      string
	ttl       time.Duration
	autoRenew bool

	mu    sync.Mutex
	token string
	held  bool

	stopRenew chan struct{}
	renewDone chan struct{}
}

// New constructs a lock without touching the store.
func New(store lockstore.Conn, log logx.Logger, name string, ttl time.Duration, autoRenew bool) *Lock {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Lock{
		store:     store,
		log:       log.With(logx.String("lock", name)),
		name:      name,
		ttl:       ttl,
		autoRenew: autoRenew,
	}
}

func (l *Lock) Name() string { return l.name }

func (l *Lock) TTL() time.Duration { return l.ttl }

// Held reports the in-memory view of ownership. The store-side TTL is
// authoritative; use this only for diagnostics.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Acquire makes one non-blocking attempt with a freshly generated token.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return true, nil
	}

	token := uuid.NewString()
	ok, err := l.store.SetNX(ctx, l.name, token, l.ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	l.token = token
	l.held = true
	if l.autoRenew {
		l.startRenewLocked()
	}
	return true, nil
}

// AcquireBlocking polls until the lock is acquired or timeout elapses.
// A zero timeout defaults to the lock TTL.
func (l *Lock) AcquireBlocking(ctx context.Context, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = l.ttl
	}
	deadline := time.Now().Add(timeout)

	for {
		ok, err := l.Acquire(ctx)
		if err != nil || ok {
			return ok, err
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(acquirePollInterval):
		}
	}
}

// Release stops renewal, then atomically deletes the key iff it still
// holds this instance's token. Returns whether the key was actually
// owned and removed.
func (l *Lock) Release(ctx context.Context) (bool, error) {
	l.mu.Lock()
	token := l.token
	held := l.held
	l.held = false
	l.token = ""
	stop := l.stopRenew
	done := l.renewDone
	l.stopRenew = nil
	l.renewDone = nil
	l.mu.Unlock()

	if stop != nil {
		close(stop)
		select {
		case <-done:
		case <-time.After(renewJoinTimeout):
			l.log.Warn("lock renewal loop did not stop in time")
		}
	}

	if !held || token == "" {
		return false, nil
	}
	return l.store.CompareAndDelete(ctx, l.name, token)
}

func (l *Lock) startRenewLocked() {
	stop := make(chan struct{})
	done := make(chan struct{})
	l.stopRenew = stop
	l.renewDone = done
	token := l.token

	interval := l.ttl / 2
	if interval <= 0 {
		interval = time.Second
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				ok, err := l.store.CompareAndExtend(ctx, l.name, token, l.ttl)
				cancel()
				if err != nil {
					l.log.Warn("lock renewal failed", logx.Err(err))
					continue
				}
				if !ok {
					// The lease expired and someone else may own the key now.
					// In-flight work can no longer assume exclusivity.
					l.log.Warn("lock lease lost, stopping renewal",
						logx.Duration("ttl", l.ttl))
					l.mu.Lock()
					if l.stopRenew == stop {
						l.held = false
					}
					l.mu.Unlock()
					return
				}
			}
		}
	}()
}
