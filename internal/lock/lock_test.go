package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"agentsched/internal/lockstore"
	"agentsched/pkg/logx"
)

func newTestManager(t *testing.T, ttl time.Duration, autoRenew bool) (*Manager, lockstore.Conn) {
	t.Helper()
	store := lockstore.NewMemory()
	m := NewManager(store, logx.Nop(), ManagerConfig{
		TTL:        ttl,
		AutoRenew:  autoRenew,
		InstanceID: "test-instance",
	})
	return m, store
}

func TestMutualExclusion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newTestManager(t, time.Minute, false)

	const attempts = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		won  int
		lost int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := m.TryAcquireScheduleLock(ctx, "sched-1")
			if err != nil {
				t.Errorf("acquire error: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if l != nil {
				won++
			} else {
				lost++
			}
		}()
	}
	wg.Wait()

	if won != 1 {
		t.Fatalf("winners = %d, want exactly 1", won)
	}
	if lost != attempts-1 {
		t.Fatalf("losers = %d, want %d", lost, attempts-1)
	}
}

func TestLeaseExpiryAndStaleRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newTestManager(t, 60*time.Millisecond, false)

	first, err := m.TryAcquireScheduleLock(ctx, "sched-2")
	if err != nil || first == nil {
		t.Fatalf("first acquire = (%v, %v)", first, err)
	}

	// Holder goes silent; TTL frees the key.
	time.Sleep(100 * time.Millisecond)

	second, err := m.TryAcquireScheduleLock(ctx, "sched-2")
	if err != nil || second == nil {
		t.Fatalf("acquire after expiry = (%v, %v)", second, err)
	}

	// The stale holder's release must not touch the new lease.
	released, err := first.Release(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if released {
		t.Fatal("stale holder reported a successful release")
	}
	if locked, _ := m.IsScheduleLocked(ctx, "sched-2"); !locked {
		t.Fatal("stale release deleted the new holder's lease")
	}

	if ok, _ := second.Release(ctx); !ok {
		t.Fatal("current holder failed to release its own lease")
	}
}

func TestAutoRenewKeepsLeaseAlive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newTestManager(t, 80*time.Millisecond, true)

	l, err := m.TryAcquireScheduleLock(ctx, "sched-3")
	if err != nil || l == nil {
		t.Fatalf("acquire = (%v, %v)", l, err)
	}

	// Hold across several base TTLs; renewal at TTL/2 keeps it alive.
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		if other, _ := m.TryAcquireScheduleLock(ctx, "sched-3"); other != nil {
			t.Fatal("lease was stolen despite auto-renewal")
		}
		time.Sleep(30 * time.Millisecond)
	}

	if ok, err := l.Release(ctx); err != nil || !ok {
		t.Fatalf("release = (%v, %v), want (true, nil)", ok, err)
	}

	// Released lease is immediately acquirable.
	other, err := m.TryAcquireScheduleLock(ctx, "sched-3")
	if err != nil || other == nil {
		t.Fatalf("acquire after release = (%v, %v)", other, err)
	}
	_, _ = other.Release(ctx)
}

func TestAcquireBlockingTimesOut(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newTestManager(t, time.Minute, false)

	holder, err := m.TryAcquireScheduleLock(ctx, "sched-4")
	if err != nil || holder == nil {
		t.Fatalf("acquire = (%v, %v)", holder, err)
	}
	defer holder.Release(ctx)

	contender := m.ScheduleLock("sched-4")
	start := time.Now()
	ok, err := contender.AcquireBlocking(ctx, 250*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("contender acquired a held lock")
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("blocking acquire returned after %v, want ~250ms", elapsed)
	}
}

func TestAcquireBlockingSucceedsWhenFreed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newTestManager(t, time.Minute, false)

	holder, err := m.TryAcquireScheduleLock(ctx, "sched-5")
	if err != nil || holder == nil {
		t.Fatalf("acquire = (%v, %v)", holder, err)
	}

	go func() {
		time.Sleep(150 * time.Millisecond)
		_, _ = holder.Release(context.Background())
	}()

	contender := m.ScheduleLock("sched-5")
	ok, err := contender.AcquireBlocking(ctx, time.Second)
	if err != nil || !ok {
		t.Fatalf("blocking acquire = (%v, %v), want (true, nil)", ok, err)
	}
	_, _ = contender.Release(ctx)
}

func TestHeartbeat(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, store := newTestManager(t, time.Minute, false)

	if err := m.SetHeartbeat(ctx, "instance-9", 200*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.Exists(ctx, "heartbeat:instance-9"); !ok {
		t.Fatal("heartbeat key missing after write")
	}

	time.Sleep(300 * time.Millisecond)
	if ok, _ := store.Exists(ctx, "heartbeat:instance-9"); ok {
		t.Fatal("heartbeat key survived its TTL")
	}
}
