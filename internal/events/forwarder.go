package events

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"agentsched/internal/lockstore"
	"agentsched/pkg/logx"
)

// Forwarder bridges the in-process bus onto the lock store's pub/sub
// channel so external observers see lifecycle events without a
// connection into this process.
//
// Publishing is best-effort: a store outage drops events (with a log
// line) and never blocks or fails a schedule execution.
type Forwarder struct {
	bus     *Bus
	store   lockstore.Conn
	log     logx.Logger
	channel string

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewForwarder(bus *Bus, store lockstore.Conn, log logx.Logger, channel string) *Forwarder {
	if strings.TrimSpace(channel) == "" {
		channel = DefaultChannel
	}
	return &Forwarder{bus: bus, store: store, log: log, channel: channel}
}

// Start subscribes to the bus and forwards until Stop. Idempotent.
func (f *Forwarder) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return
	}
	f.started = true

	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})

	ch, unsub := f.bus.Subscribe(64)
	go func() {
		defer close(f.done)
		defer unsub()
		for {
			select {
			case <-runCtx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				f.forward(runCtx, e)
			}
		}
	}()
	f.log.Debug("event forwarder started", logx.String("channel", f.channel))
}

func (f *Forwarder) forward(ctx context.Context, e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		f.log.Warn("event marshal failed", logx.Err(err), logx.String("type", e.Type))
		return
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := f.store.Publish(pctx, f.channel, string(payload)); err != nil {
		f.log.Warn("event publish failed", logx.Err(err), logx.String("type", e.Type))
	}
}

// Stop halts forwarding. Idempotent.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	cancel := f.cancel
	done := f.done
	f.cancel = nil
	f.started = false
	f.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
