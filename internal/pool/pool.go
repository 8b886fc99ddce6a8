// Package pool implements the Reliability Core's generic resource pool:
// named pools of fungible resources (connections, objects) with
// acquire/release, validation, eviction, and a FIFO-fair wait queue.
// It generalizes a teacher connection pool into a strategy-parameterized
// pool over an arbitrary Resource.
package pool

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

// Resource is anything a Pool can own, lend, and eventually destroy.
// IsAlive is called by validation; Close releases the underlying
// handle for good.
type Resource interface {
	ID() string
	IsAlive(ctx context.Context) bool
	Close() error
}

// Factory creates a new Resource for a pool. Factory failures during
// acquire are surfaced to the caller, never retried internally.
type Factory func(ctx context.Context) (Resource, error)

// Validator is an optional extra health check run before a resource is
// handed out or before it is re-pooled on release. Pool already calls
// Resource.IsAlive; Validator supplements that with pool-specific checks.
type Validator func(ctx context.Context, r Resource) bool

// HealthChecker is an optional periodic check distinct from Validator,
// run by the pool's health-check sweep rather than on the acquire path.
type HealthChecker func(ctx context.Context, r Resource) bool

// Strategy selects which idle entry acquire hands out next.
type Strategy int

const (
	// LIFO hands out the most recently released resource.
	LIFO Strategy = iota
	// FIFO hands out the oldest idle resource.
	FIFO
	// LRU hands out the resource with the smallest last-used timestamp.
	LRU
)

// validatorRetryBound caps how many times acquire will retry idle
// validation before falling through to factory or wait (spec: ≤ 3).
const validatorRetryBound = 3

// Config configures a single named pool.
type Config struct {
	Name                string
	Min                 int
	Max                 int
	Strategy            Strategy
	MaxIdleAge          time.Duration
	MaxLifetime         time.Duration
	HealthCheckInterval time.Duration
	Factory             Factory
	Validator           Validator
	HealthChecker       HealthChecker
}

type entry struct {
	resource  Resource
	createdAt time.Time
	lastUsed  time.Time
	useCount  int64
}

type waiter struct {
	deadline time.Time
	result   chan acquireResult
}

type acquireResult struct {
	resource Resource
	err      error
}

// Pool owns a named collection of fungible resources plus the waiters
// queued for one. All mutation of (idle, inUse, waiters) happens under
// mu, per spec §5's single-critical-section policy.
type Pool struct {
	cfg     Config
	clock   clock.Clock
	logger  logging.Logger
	metrics metrics.Sink

	mu      sync.Mutex
	idle    []*entry // order depends on cfg.Strategy; see pop/push below
	inUse   map[string]*entry
	waiters []*waiter
	closed  bool

	created   int64
	destroyed int64
}

// New constructs a Pool and pre-fills it to cfg.Min. Individual
// pre-fill factory failures are logged, not fatal (spec §4.1). A nil
// sink discards every observation.
func New(cfg Config, clk clock.Clock, logger logging.Logger, sink metrics.Sink) *Pool {
	if cfg.Max <= 0 {
		cfg.Max = 100
	}
	if logger == nil {
		logger = logging.NewNoop()
	}
	if sink == nil {
		sink = metrics.Noop{}
	}
	p := &Pool{
		cfg:     cfg,
		clock:   clk,
		logger:  logger.WithComponent("pool." + cfg.Name),
		metrics: sink,
		inUse:   make(map[string]*entry),
	}
	ctx := context.Background()
	for i := 0; i < cfg.Min; i++ {
		r, err := cfg.Factory(ctx)
		if err != nil {
			p.logger.Warning("pre-fill factory failure", map[string]interface{}{"error": err.Error()})
			continue
		}
		now := p.clock.Now()
		p.idle = append(p.idle, &entry{resource: r, createdAt: now, lastUsed: now})
		p.created++
	}
	return p
}

// Acquire returns a Resource, or PoolClosed if the pool is closed,
// TimedOut if timeout elapses while waiting, ctx.Err() if ctx ends
// first, or the Factory's own error if creating a resource fails.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (Resource, error) {
	start := time.Now()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, &corerrors.PoolClosedError{Pool: p.cfg.Name}
	}

	for attempt := 0; attempt < validatorRetryBound; attempt++ {
		e := p.popIdleLocked()
		if e == nil {
			break
		}
		if p.validateLocked(ctx, e) {
			e.lastUsed = p.clock.Now()
			e.useCount++
			p.inUse[e.resource.ID()] = e
			p.checkInvariantsLocked()
			p.mu.Unlock()
			p.metrics.IncrCounter([]string{"pool", "acquire"}, 1, metrics.Label{Name: "pool", Value: p.cfg.Name})
			p.metrics.MeasureSince([]string{"pool", "acquire", "duration"}, start, metrics.Label{Name: "pool", Value: p.cfg.Name})
			return e.resource, nil
		}
		p.destroyLocked(e)
	}

	if len(p.inUse) < p.cfg.Max {
		p.mu.Unlock()
		r, err := p.cfg.Factory(ctx)
		if err != nil {
			return nil, err
		}
		now := p.clock.Now()
		e := &entry{resource: r, createdAt: now, lastUsed: now, useCount: 1}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = r.Close()
			return nil, &corerrors.PoolClosedError{Pool: p.cfg.Name}
		}
		p.inUse[r.ID()] = e
		p.created++
		p.checkInvariantsLocked()
		p.mu.Unlock()
		p.metrics.IncrCounter([]string{"pool", "acquire"}, 1, metrics.Label{Name: "pool", Value: p.cfg.Name})
		p.metrics.MeasureSince([]string{"pool", "acquire", "duration"}, start, metrics.Label{Name: "pool", Value: p.cfg.Name})
		return r, nil
	}

	w := &waiter{deadline: p.clock.Now().Add(timeout), result: make(chan acquireResult, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case res := <-w.result:
		if res.err == nil {
			p.metrics.IncrCounter([]string{"pool", "acquire"}, 1, metrics.Label{Name: "pool", Value: p.cfg.Name})
			p.metrics.MeasureSince([]string{"pool", "acquire", "duration"}, start, metrics.Label{Name: "pool", Value: p.cfg.Name})
		}
		return res.resource, res.err
	case <-ctx.Done():
		p.removeWaiter(w)
		select {
		case res := <-w.result:
			// Release already handed us a resource just as the caller
			// gave up; the caller is gone, so return it through the
			// normal release path instead of leaking it as stuck in_use.
			if res.resource != nil {
				p.Release(context.Background(), res.resource)
			}
		default:
		}
		return nil, ctx.Err()
	case <-p.clock.Sleep(timeout):
		p.removeWaiter(w)
		select {
		case res := <-w.result:
			return res.resource, res.err
		default:
			return nil, &corerrors.TimedOutError{Waiting: "pool resource"}
		}
	}
}

// removeWaiter atomically drops w from the queue if it is still there
// (it may already have been handed a resource by Release).
func (p *Pool) removeWaiter(w *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cand := range p.waiters {
		if cand == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// Release returns a resource to the pool. It is infallible: the
// resource is always accounted for, whether destroyed, idled, or
// handed to a waiter, regardless of outcome.
func (p *Pool) Release(ctx context.Context, r Resource) {
	p.mu.Lock()

	e, ok := p.inUse[r.ID()]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.inUse, r.ID())

	if p.closed {
		p.destroyed++
		p.mu.Unlock()
		_ = r.Close()
		return
	}

	if !p.validateLocked(ctx, e) {
		p.destroyLocked(e)
		p.mu.Unlock()
		p.metrics.IncrCounter([]string{"pool", "release"}, 1, metrics.Label{Name: "pool", Value: p.cfg.Name})
		return
	}
	e.lastUsed = p.clock.Now()

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.inUse[r.ID()] = e
		w.result <- acquireResult{resource: r} // buffered, never blocks
		p.checkInvariantsLocked()
		p.mu.Unlock()
		p.metrics.IncrCounter([]string{"pool", "release"}, 1, metrics.Label{Name: "pool", Value: p.cfg.Name})
		return
	}

	p.idle = append(p.idle, e)
	p.checkInvariantsLocked()
	p.mu.Unlock()
	p.metrics.IncrCounter([]string{"pool", "release"}, 1, metrics.Label{Name: "pool", Value: p.cfg.Name})
}

// validateLocked runs Resource.IsAlive and, if present, cfg.Validator.
// Must be called with mu held.
func (p *Pool) validateLocked(ctx context.Context, e *entry) bool {
	if !e.resource.IsAlive(ctx) {
		return false
	}
	if p.cfg.Validator != nil && !p.cfg.Validator(ctx, e.resource) {
		return false
	}
	return true
}

// destroyLocked closes the resource and updates counters. Must be
// called with mu held; releases mu around the Close call is not
// required since Close does not touch the pool.
func (p *Pool) destroyLocked(e *entry) {
	p.destroyed++
	_ = e.resource.Close()
}

// popIdleLocked removes and returns one idle entry per cfg.Strategy,
// or nil if idle is empty. Must be called with mu held.
func (p *Pool) popIdleLocked() *entry {
	n := len(p.idle)
	if n == 0 {
		return nil
	}
	switch p.cfg.Strategy {
	case FIFO:
		e := p.idle[0]
		p.idle = p.idle[1:]
		return e
	case LRU:
		minIdx := 0
		for i := 1; i < n; i++ {
			if p.idle[i].lastUsed.Before(p.idle[minIdx].lastUsed) {
				minIdx = i
			}
		}
		e := p.idle[minIdx]
		p.idle = append(p.idle[:minIdx], p.idle[minIdx+1:]...)
		return e
	default: // LIFO
		e := p.idle[n-1]
		p.idle = p.idle[:n-1]
		return e
	}
}

// HealthCheck sweeps idle entries, destroying any that have exceeded
// max idle age or max lifetime, or that fail cfg.HealthChecker.
func (p *Pool) HealthCheck(ctx context.Context) {
	p.mu.Lock()
	now := p.clock.Now()
	kept := p.idle[:0]
	var evicted []*entry
	for _, e := range p.idle {
		expired := (p.cfg.MaxIdleAge > 0 && now.Sub(e.lastUsed) > p.cfg.MaxIdleAge) ||
			(p.cfg.MaxLifetime > 0 && now.Sub(e.createdAt) > p.cfg.MaxLifetime)
		if !expired && p.cfg.HealthChecker != nil && !p.cfg.HealthChecker(ctx, e.resource) {
			expired = true
		}
		if expired {
			evicted = append(evicted, e)
		} else {
			kept = append(kept, e)
		}
	}
	p.idle = kept
	for range evicted {
		p.destroyed++
	}
	idleCount, inUseCount := len(p.idle), len(p.inUse)
	p.mu.Unlock()

	for _, e := range evicted {
		_ = e.resource.Close()
	}
	if len(evicted) > 0 {
		p.logger.Info("health check evicted resources", map[string]interface{}{"count": len(evicted)})
		p.metrics.IncrCounter([]string{"pool", "evicted"}, float32(len(evicted)), metrics.Label{Name: "pool", Value: p.cfg.Name})
	}
	p.metrics.SetGauge([]string{"pool", "idle"}, float32(idleCount), metrics.Label{Name: "pool", Value: p.cfg.Name})
	p.metrics.SetGauge([]string{"pool", "in_use"}, float32(inUseCount), metrics.Label{Name: "pool", Value: p.cfg.Name})
}

// Close destroys every idle and in-use resource the pool still owns
// and fails every waiter with PoolClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	inUse := p.inUse
	p.inUse = make(map[string]*entry)
	waiters := p.waiters
	p.waiters = nil
	p.destroyed += int64(len(idle) + len(inUse))
	p.mu.Unlock()

	for _, e := range idle {
		_ = e.resource.Close()
	}
	for _, e := range inUse {
		_ = e.resource.Close()
	}
	for _, w := range waiters {
		select {
		case w.result <- acquireResult{err: &corerrors.PoolClosedError{Pool: p.cfg.Name}}:
		default:
		}
	}
}

// checkInvariantsLocked asserts P1 (idle+in_use<=max) and P5 (a
// non-empty wait queue implies idle is empty) hold. Must be called
// with mu held.
func (p *Pool) checkInvariantsLocked() {
	invariants.Always(len(p.idle)+len(p.inUse) <= p.cfg.Max, "pool P1: idle+in_use<=max", map[string]any{
		"pool": p.cfg.Name, "idle": len(p.idle), "in_use": len(p.inUse), "max": p.cfg.Max,
	})
	invariants.Always(len(p.waiters) == 0 || len(p.idle) == 0, "pool P5: waiters non-empty implies idle empty", map[string]any{
		"pool": p.cfg.Name, "waiters": len(p.waiters), "idle": len(p.idle),
	})
}

// Stats is a point-in-time snapshot of pool occupancy and lifetime counters.
type Stats struct {
	Idle      int
	InUse     int
	Waiters   int
	Created   int64
	Destroyed int64
}

// Stats returns a snapshot of the pool's current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle:      len(p.idle),
		InUse:     len(p.inUse),
		Waiters:   len(p.waiters),
		Created:   p.created,
		Destroyed: p.destroyed,
	}
}
