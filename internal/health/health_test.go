package health

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lerian-labs/reliability-core/internal/clock"
)

func staticChecker(status Status, healthy bool) Checker {
	return CheckerFunc(func(ctx context.Context) Record {
		return Record{Status: status, Healthy: healthy}
	})
}

// TestHealthRollup reproduces spec §8 scenario 6: 4 checkers, 3 healthy
// + 1 critical, expecting 75% health, not five-nines compliant, the
// "poor" band per §4.5's threshold table (75% falls below the 95%
// floor for "degraded"), and exactly one status-change callback when
// the critical checker flips.
func TestHealthRollup(t *testing.T) {
	fc := clock.NewFake(time.Now())

	var changeCount int64
	var flaky atomic.Bool
	flaky.Store(false)

	m := New(Config{}, fc, nil, Callbacks{
		OnStatusChange: func(component string, from, to Status) {
			atomic.AddInt64(&changeCount, 1)
		},
	})

	m.RegisterComponentMonitor("a", staticChecker(StatusHealthy, true))
	m.RegisterComponentMonitor("b", staticChecker(StatusHealthy, true))
	m.RegisterComponentMonitor("c", staticChecker(StatusHealthy, true))
	m.RegisterComponentMonitor("d", CheckerFunc(func(ctx context.Context) Record {
		if flaky.Load() {
			return Record{Status: StatusHealthy, Healthy: true}
		}
		return Record{Status: StatusCritical, Healthy: false}
	}))

	sample := m.PerformHealthCheck(context.Background())

	assert.Equal(t, 75.0, sample.HealthPercentage)
	assert.False(t, sample.FiveNinesCompliant, "expected five-nines compliance to be false at 75%%")
	assert.Equal(t, BandPoor, sample.Band)

	// Second check with identical statuses must not re-fire callbacks.
	m.PerformHealthCheck(context.Background())
	assert.Equal(t, int64(4), atomic.LoadInt64(&changeCount), "expected exactly 4 initial transitions (one per component from unseen)")

	flaky.Store(true)
	m.PerformHealthCheck(context.Background())
	assert.Equal(t, int64(5), atomic.LoadInt64(&changeCount), "expected exactly one additional transition when d recovers")
}

func TestHealthCheckerPanicBecomesErrorStatus(t *testing.T) {
	fc := clock.NewFake(time.Now())
	m := New(Config{}, fc, nil, Callbacks{})
	m.RegisterComponentMonitor("flaky", CheckerFunc(func(ctx context.Context) Record {
		panic("boom")
	}))

	sample := m.PerformHealthCheck(context.Background())
	rec := sample.Components["flaky"]
	assert.Equal(t, StatusError, rec.Status)
	assert.False(t, rec.Healthy)
}

func TestHealthCallbackPanicIsSwallowed(t *testing.T) {
	fc := clock.NewFake(time.Now())
	m := New(Config{}, fc, nil, Callbacks{
		OnStatusChange: func(component string, from, to Status) {
			panic("callback boom")
		},
	})
	m.RegisterComponentMonitor("a", staticChecker(StatusHealthy, true))

	// Must not panic despite the callback panicking.
	_ = m.PerformHealthCheck(context.Background())
}

func TestStartStopDrivesPeriodicChecks(t *testing.T) {
	fc := clock.NewFake(time.Now())
	var checks int64
	m := New(Config{CheckInterval: time.Second}, fc, nil, Callbacks{})
	m.RegisterComponentMonitor("a", CheckerFunc(func(ctx context.Context) Record {
		atomic.AddInt64(&checks, 1)
		return Record{Status: StatusHealthy, Healthy: true}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Start(ctx)
	}()
	wg.Wait()

	fc.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)
	fc.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)

	m.Stop()

	assert.GreaterOrEqual(t, atomic.LoadInt64(&checks), int64(2), "expected at least 2 periodic checks")
}
