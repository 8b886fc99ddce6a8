// Package bulkhead implements the Reliability Core's per-service
// concurrency ceiling: a named semaphore with an optional FIFO-fair
// wait queue, isolating one dependency's saturation from another's.
package bulkhead

import (
	"context"
	"sync"
	"time"

	"github.com/lerian-labs/reliability-core/internal/clock"
	corerrors "github.com/lerian-labs/reliability-core/internal/errors"
	"github.com/lerian-labs/reliability-core/internal/invariants"
	"github.com/lerian-labs/reliability-core/internal/logging"
	"github.com/lerian-labs/reliability-core/internal/metrics"
)

// Config parameterizes one Bulkhead.
type Config struct {
	Name          string
	MaxConcurrent int
}

type waiter struct {
	ch chan struct{}
}

// Bulkhead enforces active <= max_concurrent for one named dependency.
// Bulkheads sharing no Config.Name share no state (spec: isolation
// guarantee).
type Bulkhead struct {
	name          string
	maxConcurrent int
	clock         clock.Clock
	logger        logging.Logger
	metrics       metrics.Sink

	mu         sync.Mutex
	active     int
	waiters    []*waiter
	saturation int64
}

// New constructs a Bulkhead with the given capacity. A nil sink
// discards every observation.
func New(cfg Config, clk clock.Clock, logger logging.Logger, sink metrics.Sink) *Bulkhead {
	max := cfg.MaxConcurrent
	if max <= 0 {
		max = 10
	}
	if logger == nil {
		logger = logging.NewNoop()
	}
	if sink == nil {
		sink = metrics.Noop{}
	}
	return &Bulkhead{
		name:          cfg.Name,
		maxConcurrent: max,
		clock:         clk,
		logger:        logger.WithComponent("bulkhead." + cfg.Name),
		metrics:       sink,
	}
}

// Operation is a protected call run while holding a bulkhead slot.
type Operation func(ctx context.Context) (interface{}, error)

// Execute runs operation if a slot is (or becomes, within waitTimeout)
// available. A zero waitTimeout fails fast with CapacityExceeded
// instead of queuing.
func (b *Bulkhead) Execute(ctx context.Context, op Operation, waitTimeout time.Duration) (interface{}, error) {
	if err := b.acquire(ctx, waitTimeout); err != nil {
		return nil, err
	}
	defer b.Release()
	return op(ctx)
}

// TryAcquire attempts to take a slot without waiting, for callers that
// manage their own release.
func (b *Bulkhead) TryAcquire() bool {
	b.mu.Lock()
	if b.active < b.maxConcurrent {
		b.active++
		active := b.active
		b.mu.Unlock()
		b.metrics.SetGauge([]string{"bulkhead", "active"}, float32(active), metrics.Label{Name: "bulkhead", Value: b.name})
		return true
	}
	b.saturation++
	b.mu.Unlock()
	b.metrics.IncrCounter([]string{"bulkhead", "saturation"}, 1, metrics.Label{Name: "bulkhead", Value: b.name})
	return false
}

func (b *Bulkhead) acquire(ctx context.Context, waitTimeout time.Duration) error {
	b.mu.Lock()
	if b.active < b.maxConcurrent {
		b.active++
		invariants.Always(b.active <= b.maxConcurrent, "bulkhead: active<=max_concurrent", map[string]any{
			"bulkhead": b.name, "active": b.active, "max": b.maxConcurrent,
		})
		active := b.active
		b.mu.Unlock()
		b.metrics.SetGauge([]string{"bulkhead", "active"}, float32(active), metrics.Label{Name: "bulkhead", Value: b.name})
		return nil
	}
	if waitTimeout <= 0 {
		b.saturation++
		b.mu.Unlock()
		b.metrics.IncrCounter([]string{"bulkhead", "saturation"}, 1, metrics.Label{Name: "bulkhead", Value: b.name})
		return &corerrors.CapacityExceededError{Bulkhead: b.name}
	}

	w := &waiter{ch: make(chan struct{}, 1)}
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		b.removeWaiter(w)
		select {
		case <-w.ch:
			// Release already handed us the slot just as the caller
			// gave up; give it back instead of leaking it out of active.
			b.Release()
		default:
		}
		return ctx.Err()
	case <-b.clock.Sleep(waitTimeout):
		b.removeWaiter(w)
		select {
		case <-w.ch:
			return nil
		default:
			b.mu.Lock()
			b.saturation++
			b.mu.Unlock()
			b.metrics.IncrCounter([]string{"bulkhead", "saturation"}, 1, metrics.Label{Name: "bulkhead", Value: b.name})
			return &corerrors.TimedOutError{Waiting: "bulkhead slot"}
		}
	}
}

// removeWaiter atomically removes w from the queue if cancellation or
// deadline expiry raced a concurrent Release (spec §5: cancellation
// must remove the caller from any wait queue without leaking a slot).
func (b *Bulkhead) removeWaiter(w *waiter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cand := range b.waiters {
		if cand == w {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			return
		}
	}
}

// Release gives up a held slot, handing it directly to the oldest
// waiter (FIFO) if one exists. Release is infallible and must be
// called on every exit path of a held slot.
func (b *Bulkhead) Release() {
	b.mu.Lock()

	if len(b.waiters) > 0 {
		w := b.waiters[0]
		b.waiters = b.waiters[1:]
		w.ch <- struct{}{} // buffered, never blocks; active count transfers as-is
		b.mu.Unlock()
		return
	}
	if b.active > 0 {
		b.active--
	}
	active := b.active
	b.mu.Unlock()
	b.metrics.SetGauge([]string{"bulkhead", "active"}, float32(active), metrics.Label{Name: "bulkhead", Value: b.name})
}

// Stats is a point-in-time snapshot.
type Stats struct {
	Active     int
	Waiters    int
	Saturation int64
}

// Stats returns the bulkhead's current occupancy.
func (b *Bulkhead) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Active: b.active, Waiters: len(b.waiters), Saturation: b.saturation}
}

// Manager owns a name-keyed registry of bulkheads, created lazily.
type Manager struct {
	mu        sync.Mutex
	bulkheads map[string]*Bulkhead
	clock     clock.Clock
	logger    logging.Logger
	metrics   metrics.Sink
	defaults  Config
}

// NewManager constructs a Manager applying defaultCfg (Name overridden
// per bulkhead) to every bulkhead it creates via GetOrCreate.
func NewManager(defaultCfg Config, clk clock.Clock, logger logging.Logger, sink metrics.Sink) *Manager {
	if sink == nil {
		sink = metrics.Noop{}
	}
	return &Manager{
		bulkheads: make(map[string]*Bulkhead),
		clock:     clk,
		logger:    logger,
		metrics:   sink,
		defaults:  defaultCfg,
	}
}

// GetOrCreate returns the named bulkhead, creating it with the
// manager's default configuration on first use.
func (m *Manager) GetOrCreate(name string) *Bulkhead {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bh, ok := m.bulkheads[name]; ok {
		return bh
	}
	cfg := m.defaults
	cfg.Name = name
	bh := New(cfg, m.clock, m.logger, m.metrics)
	m.bulkheads[name] = bh
	return bh
}

// GetOrCreateWithConfig is like GetOrCreate but lets the caller supply
// a per-bulkhead configuration instead of the manager default.
func (m *Manager) GetOrCreateWithConfig(name string, cfg Config) *Bulkhead {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bh, ok := m.bulkheads[name]; ok {
		return bh
	}
	cfg.Name = name
	bh := New(cfg, m.clock, m.logger, m.metrics)
	m.bulkheads[name] = bh
	return bh
}

// AllStats returns a snapshot of every registered bulkhead.
func (m *Manager) AllStats() map[string]Stats {
	m.mu.Lock()
	bulkheads := make([]*Bulkhead, 0, len(m.bulkheads))
	for _, bh := range m.bulkheads {
		bulkheads = append(bulkheads, bh)
	}
	m.mu.Unlock()

	out := make(map[string]Stats, len(bulkheads))
	for _, bh := range bulkheads {
		out[bh.name] = bh.Stats()
	}
	return out
}
