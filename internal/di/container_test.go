package di

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lerian-labs/reliability-core/internal/clock"
	"github.com/lerian-labs/reliability-core/internal/config"
	"github.com/lerian-labs/reliability-core/internal/logging"
	"github.com/lerian-labs/reliability-core/internal/metrics"
	"github.com/lerian-labs/reliability-core/internal/pool"
)

type noopResource struct{ id string }

func (r noopResource) ID() string                       { return r.id }
func (r noopResource) IsAlive(ctx context.Context) bool { return true }
func (r noopResource) Close() error                     { return nil }

func TestContainerWiresAllComponents(t *testing.T) {
	cfg := config.Defaults()
	c := New(&cfg, clock.NewFake(time.Now()), logging.NewNoop(), metrics.Noop{})

	assert.NotNil(t, c.Pools)
	assert.NotNil(t, c.CircuitBreakers)
	assert.NotNil(t, c.Bulkheads)
	assert.NotNil(t, c.SelfHealer)
	assert.NotNil(t, c.HealthMonitor)
}

func TestRegisterPoolFeedsHealthMonitor(t *testing.T) {
	cfg := config.Defaults()
	c := New(&cfg, clock.NewFake(time.Now()), logging.NewNoop(), metrics.Noop{})

	n := 0
	p := c.RegisterPool("cache", func(ctx context.Context) (pool.Resource, error) {
		n++
		return noopResource{id: "r"}, nil
	})
	require.NotNil(t, p)

	sample := c.HealthMonitor.PerformHealthCheck(context.Background())
	_, ok := sample.Components["pool.cache"]
	assert.True(t, ok, "expected the health monitor to see the registered pool")
}

func TestRegisterCircuitBreakerAndBulkheadFeedHealthMonitor(t *testing.T) {
	cfg := config.Defaults()
	c := New(&cfg, clock.NewFake(time.Now()), logging.NewNoop(), metrics.Noop{})

	c.RegisterCircuitBreaker("downstream")
	c.RegisterBulkhead("downstream")

	sample := c.HealthMonitor.PerformHealthCheck(context.Background())
	_, ok := sample.Components["circuitbreaker.downstream"]
	assert.True(t, ok, "expected breaker checker to be registered")
	_, ok = sample.Components["bulkhead.downstream"]
	assert.True(t, ok, "expected bulkhead checker to be registered")
}
