package lock

import (
	"context"
	"time"

	"agentsched/internal/lockstore"
	"agentsched/pkg/logx"
)

// Key namespaces within the shared store. Kept distinct from anything
// else the platform stores there.
const (
	scheduleKeyPrefix  = "schedule:"
	processKeyPrefix   = "process_"
	heartbeatKeyPrefix = "heartbeat:"
)

// Manager constructs per-schedule locks and writes instance heartbeats.
type Manager struct {
	store     lockstore.Conn
	log       logx.Logger
	ttl       time.Duration
	autoRenew bool

	instanceID    string
	heartbeatTTL  time.Duration
	heartbeatBeat time.Duration
}

type ManagerConfig struct {
	// TTL is the lease duration for schedule locks.
	TTL time.Duration
	// AutoRenew starts a background renewal loop on every acquired lock.
	AutoRenew bool
	// InstanceID identifies this scheduler process in heartbeat keys.
	InstanceID string
	// HeartbeatTTL is how long a liveness marker outlives its last write.
	// 0 means 90s.
	HeartbeatTTL time.Duration
}

func NewManager(store lockstore.Conn, log logx.Logger, cfg ManagerConfig) *Manager {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	hbTTL := cfg.HeartbeatTTL
	if hbTTL <= 0 {
		hbTTL = 90 * time.Second
	}
	return &Manager{
		store:         store,
		log:           log,
		ttl:           ttl,
		autoRenew:     cfg.AutoRenew,
		instanceID:    cfg.InstanceID,
		heartbeatTTL:  hbTTL,
		heartbeatBeat: hbTTL / 3,
	}
}

// ScheduleLock constructs (never acquires) the lock guarding one agent
// schedule.
func (m *Manager) ScheduleLock(scheduleID string) *Lock {
	return New(m.store, m.log, scheduleKeyPrefix+scheduleID, m.ttl, m.autoRenew)
}

// ProcessLock constructs the lock guarding one process schedule.
func (m *Manager) ProcessLock(scheduleID string) *Lock {
	return New(m.store, m.log, processKeyPrefix+scheduleID, m.ttl, m.autoRenew)
}

// TryAcquireScheduleLock constructs and non-blockingly acquires the
// schedule lock. Returns nil on contention. This result is the only
// authoritative answer to "may I execute this schedule now".
func (m *Manager) TryAcquireScheduleLock(ctx context.Context, scheduleID string) (*Lock, error) {
	l := m.ScheduleLock(scheduleID)
	ok, err := l.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return l, nil
}

// TryAcquireProcessLock is the process-schedule counterpart.
func (m *Manager) TryAcquireProcessLock(ctx context.Context, scheduleID string) (*Lock, error) {
	l := m.ProcessLock(scheduleID)
	ok, err := l.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return l, nil
}

// IsScheduleLocked reports whether a lock key currently exists.
//
// Diagnostic surfaces only: checking existence and then acting on it is
// a race. Execution paths must go through TryAcquireScheduleLock.
func (m *Manager) IsScheduleLocked(ctx context.Context, scheduleID string) (bool, error) {
	return m.store.Exists(ctx, scheduleKeyPrefix+scheduleID)
}

// SetHeartbeat writes this instance's liveness marker. Best-effort and
// independent of job locks.
func (m *Manager) SetHeartbeat(ctx context.Context, instanceID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.heartbeatTTL
	}
	return m.store.Set(ctx, heartbeatKeyPrefix+instanceID, time.Now().UTC().Format(time.RFC3339), ttl)
}

// RunHeartbeats writes the configured instance heartbeat on a ticker
// until ctx is cancelled. Failures are logged and retried on the next
// tick; heartbeats never gate execution.
func (m *Manager) RunHeartbeats(ctx context.Context) {
	if m.instanceID == "" {
		return
	}
	beat := m.heartbeatBeat
	if beat <= 0 {
		beat = 30 * time.Second
	}

	write := func() {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := m.SetHeartbeat(wctx, m.instanceID, m.heartbeatTTL); err != nil {
			m.log.Warn("heartbeat write failed", logx.Err(err),
				logx.String("instance", m.instanceID))
		}
	}

	write()
	ticker := time.NewTicker(beat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			write()
		}
	}
}
