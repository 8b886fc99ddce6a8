// Command reliabilitydemo exercises the Reliability Core end to end
// against a simulated flaky dependency: pool-backed connections behind
// a circuit breaker and bulkhead, with a self-healer driving retries
// and a health monitor reporting the rollup.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/lerian-labs/reliability-core/internal/circuitbreaker"
	"github.com/lerian-labs/reliability-core/internal/clock"
	"github.com/lerian-labs/reliability-core/internal/config"
	"github.com/lerian-labs/reliability-core/internal/di"
	"github.com/lerian-labs/reliability-core/internal/health"
	"github.com/lerian-labs/reliability-core/internal/logging"
	"github.com/lerian-labs/reliability-core/internal/metrics"
	"github.com/lerian-labs/reliability-core/internal/pool"
	"github.com/lerian-labs/reliability-core/internal/selfhealer"
)

type flakyConn struct {
	id    string
	alive bool
}

func (c *flakyConn) ID() string                       { return c.id }
func (c *flakyConn) IsAlive(ctx context.Context) bool { return c.alive }
func (c *flakyConn) Close() error                     { c.alive = false; return nil }

var errDownstreamUnavailable = errors.New("downstream unavailable")

func main() {
	_ = godotenv.Load() // optional; missing .env is not an error for this demo

	logger := logging.New(logging.LevelInfo, false)

	cfg, err := config.Load("RELIABILITYDEMO_", os.Getenv("RELIABILITYDEMO_CONFIG_FILE"))
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	clk := clock.New()
	sink := metrics.New("reliabilitydemo", time.Second, time.Minute)
	container := di.New(cfg, clk, logger, sink)

	connCount := 0
	container.RegisterPool("downstream", func(ctx context.Context) (pool.Resource, error) {
		connCount++
		return &flakyConn{id: fmt.Sprintf("conn-%d", connCount), alive: true}, nil
	})
	breaker := container.RegisterCircuitBreaker("downstream")
	bh := container.RegisterBulkhead("downstream")

	ctx := context.Background()
	container.HealthMonitor.Start(ctx)
	defer container.HealthMonitor.Stop()

	color.Cyan("Reliability Core demo")
	color.Cyan("=====================")

	callDownstream := func(ctx context.Context) (interface{}, error) {
		return bh.Execute(ctx, func(ctx context.Context) (interface{}, error) {
			return breaker.Call(ctx, func(ctx context.Context) (interface{}, error) {
				p := container.Pools.Get("downstream")
				conn, err := p.Acquire(ctx, 2*time.Second)
				if err != nil {
					return nil, err
				}
				defer p.Release(ctx, conn)

				if rand.Float64() < 0.3 {
					return nil, errDownstreamUnavailable
				}
				return "ok", nil
			}, nil)
		}, time.Second)
	}

	for i := 0; i < 10; i++ {
		_, err := container.SelfHealer.ExecuteWithHealing(ctx, "downstream",
			selfhealer.OperationDescriptor{Name: "downstream.call", Args: i}, callDownstream)
		if err != nil {
			color.Red("call %d failed: %v", i, err)
			continue
		}
		color.Green("call %d succeeded", i)
	}

	reportBreakerState(breaker)
	reportHealth(ctx, container.HealthMonitor)
}

func reportBreakerState(cb *circuitbreaker.CircuitBreaker) {
	m := cb.Metrics()
	fmt.Printf("\ncircuit breaker %q: state=%s failures=%d\n", m.Name, m.State, m.FailureCount)
}

func reportHealth(ctx context.Context, monitor *health.Monitor) {
	sample := monitor.PerformHealthCheck(ctx)
	fmt.Printf("\nhealth: %.3f%% (%s), five_nines=%v\n", sample.HealthPercentage, sample.Band, sample.FiveNinesCompliant)
	for name, rec := range sample.Components {
		fmt.Printf("  %-24s status=%s healthy=%v\n", name, rec.Status, rec.Healthy)
	}
}
