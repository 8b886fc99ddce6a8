// Package di wires together the Reliability Core's components in
// dependency order, generalizing the teacher's dependency-injection
// container from a domain-specific service graph into the core's
// component graph: Clock and Logger first, then the PoolManager and
// CircuitBreaker leaves, then Bulkhead, then SelfHealer (which
// composes all three), then HealthMonitor (which observes all four).
package di

import (
	"context"

	"github.com/lerian-labs/reliability-core/internal/bulkhead"
	"github.com/lerian-labs/reliability-core/internal/circuitbreaker"
	"github.com/lerian-labs/reliability-core/internal/clock"
	"github.com/lerian-labs/reliability-core/internal/config"
	"github.com/lerian-labs/reliability-core/internal/health"
	"github.com/lerian-labs/reliability-core/internal/logging"
	"github.com/lerian-labs/reliability-core/internal/metrics"
	"github.com/lerian-labs/reliability-core/internal/pool"
	"github.com/lerian-labs/reliability-core/internal/selfhealer"
)

// Container holds every wired Reliability Core component.
type Container struct {
	Config  *config.Config
	Clock   clock.Clock
	Logger  logging.Logger
	Metrics metrics.Sink

	Pools           *poolRegistry
	CircuitBreakers *circuitbreaker.Manager
	Bulkheads       *bulkhead.Manager
	SelfHealer      *selfhealer.SelfHealer
	HealthMonitor   *health.Monitor
}

// poolRegistry is a thin name-keyed wrapper around *pool.Pool,
// analogous to circuitbreaker.Manager and bulkhead.Manager but
// requiring an explicit per-pool Factory (pools cannot be
// lazily-defaulted the way a breaker or bulkhead can, since a Factory
// is domain-specific).
type poolRegistry struct {
	container *Container
	pools     map[string]*pool.Pool
}

// Register creates (or returns, if already registered) the named pool
// using factory and the pool's configured sizing.
func (r *poolRegistry) Register(name string, factory pool.Factory) *pool.Pool {
	if p, ok := r.pools[name]; ok {
		return p
	}
	cfg := r.container.Config.PoolFor(name)
	strategy := pool.LIFO
	switch cfg.Strategy {
	case "fifo":
		strategy = pool.FIFO
	case "lru":
		strategy = pool.LRU
	}
	p := pool.New(pool.Config{
		Name:        name,
		Min:         cfg.Min,
		Max:         cfg.Max,
		Strategy:    strategy,
		MaxIdleAge:  cfg.MaxIdleAge,
		MaxLifetime: cfg.MaxLifetime,
		Factory:     factory,
	}, r.container.Clock, r.container.Logger, r.container.Metrics)
	r.pools[name] = p
	return p
}

// Get returns a previously registered pool, or nil.
func (r *poolRegistry) Get(name string) *pool.Pool {
	return r.pools[name]
}

// SweepAll runs a health-check sweep across every registered pool,
// satisfying selfhealer.PoolSweeper for the ResourceCleanup strategy.
func (r *poolRegistry) SweepAll(ctx context.Context) {
	for _, p := range r.pools {
		p.HealthCheck(ctx)
	}
}

// circuitResetterAdapter satisfies selfhealer.CircuitResetter over a
// *circuitbreaker.Manager.
type circuitResetterAdapter struct {
	mgr *circuitbreaker.Manager
}

func (a circuitResetterAdapter) ForceClosed(name string) {
	a.mgr.GetOrCreate(name).ForceClosed()
}

// New wires a Container from cfg. The SelfHealer always gets the four
// built-in healing strategies (Restart, CircuitBreakerReset,
// ResourceCleanup, ScaleOut) with no restart hooks or autoscaler wired;
// New takes no caller-supplied strategies.
func New(cfg *config.Config, clk clock.Clock, logger logging.Logger, metricsSink metrics.Sink) *Container {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSON)
	}
	if metricsSink == nil {
		metricsSink = metrics.Noop{}
	}

	c := &Container{Config: cfg, Clock: clk, Logger: logger, Metrics: metricsSink}

	c.Pools = &poolRegistry{container: c, pools: make(map[string]*pool.Pool)}

	defaultCB := cfg.CircuitBreakerFor("default")
	c.CircuitBreakers = circuitbreaker.NewManager(circuitbreaker.Config{
		OpenAfterFailures:   defaultCB.OpenAfterFailures,
		CloseAfterSuccesses: defaultCB.CloseAfterSuccesses,
		OpenDuration:        defaultCB.OpenDuration,
		MinRequestVolume:    defaultCB.MinRequestVolume,
		WindowDuration:      defaultCB.WindowDuration,
	}, clk, logger, metricsSink)

	defaultBH := cfg.BulkheadFor("default")
	c.Bulkheads = bulkhead.NewManager(bulkhead.Config{
		MaxConcurrent: defaultBH.MaxConcurrent,
	}, clk, logger, metricsSink)

	degradation := selfhealer.NewDegradationRegistry(logger)
	strategies := []selfhealer.HealingStrategy{
		&selfhealer.RestartStrategy{Logger: logger},
		&selfhealer.CircuitBreakerResetStrategy{Breakers: circuitResetterAdapter{mgr: c.CircuitBreakers}},
		&selfhealer.ResourceCleanupStrategy{Pools: c.Pools},
		&selfhealer.ScaleOutStrategy{},
	}
	c.SelfHealer = selfhealer.New(selfhealer.Config{
		MaxRetries:                cfg.Healer.MaxRetries,
		BackoffBase:               cfg.Healer.Backoff.Base,
		BackoffCap:                cfg.Healer.Backoff.Cap,
		BackoffJitter:             cfg.Healer.Backoff.Jitter,
		DLQCapacity:               cfg.Healer.DLQCapacity,
		EnableGracefulDegradation: true,
	}, clk, logger, metricsSink, strategies, degradation)

	c.HealthMonitor = health.New(health.Config{
		CheckInterval:      cfg.Health.CheckInterval,
		FiveNinesThreshold: cfg.Health.FiveNinesThreshold,
	}, clk, logger, health.Callbacks{})

	return c
}

// RegisterPool creates a named pool using factory, wiring it into both
// the Pools registry and the HealthMonitor.
func (c *Container) RegisterPool(name string, factory pool.Factory) *pool.Pool {
	p := c.Pools.Register(name, factory)
	c.HealthMonitor.RegisterComponentMonitor("pool."+name, health.CheckerFunc(func(ctx context.Context) health.Record {
		stats := p.Stats()
		status := health.StatusHealthy
		if stats.Waiters > 0 {
			status = health.StatusElevated // callers are queuing: not broken, but under pressure
		}
		return health.Record{Status: status, Healthy: true, Metrics: map[string]interface{}{
			"idle": stats.Idle, "in_use": stats.InUse, "waiters": stats.Waiters,
		}}
	}))
	return p
}

// RegisterCircuitBreaker ensures the named breaker exists and wires a
// HealthMonitor checker that reports warning while Open or HalfOpen
// (and unhealthy while Open).
func (c *Container) RegisterCircuitBreaker(name string) *circuitbreaker.CircuitBreaker {
	cb := c.CircuitBreakers.GetOrCreate(name)
	c.HealthMonitor.RegisterComponentMonitor("circuitbreaker."+name, health.CheckerFunc(func(ctx context.Context) health.Record {
		m := cb.Metrics()
		status := health.StatusHealthy
		if m.State != circuitbreaker.Closed {
			status = health.StatusWarning
		}
		return health.Record{Status: status, Healthy: m.State != circuitbreaker.Open, Metrics: map[string]interface{}{
			"state": m.State.String(), "failures": m.FailureCount,
		}}
	}))
	return cb
}

// RegisterBulkhead ensures the named bulkhead exists and wires a
// HealthMonitor checker reporting its saturation counter.
func (c *Container) RegisterBulkhead(name string) *bulkhead.Bulkhead {
	bh := c.Bulkheads.GetOrCreate(name)
	c.HealthMonitor.RegisterComponentMonitor("bulkhead."+name, health.CheckerFunc(func(ctx context.Context) health.Record {
		stats := bh.Stats()
		return health.Record{Status: health.StatusHealthy, Healthy: true, Metrics: map[string]interface{}{
			"active": stats.Active, "waiters": stats.Waiters, "saturation": stats.Saturation,
		}}
	}))
	return bh
}
