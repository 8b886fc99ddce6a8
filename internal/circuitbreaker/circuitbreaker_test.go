package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lerian-labs/reliability-core/internal/clock"
	"github.com/lerian-labs/reliability-core/internal/metrics"
)

var errTransient = errors.New("transient")
var errPermanent = errors.New("permanent")

func alwaysFails(ctx context.Context) (interface{}, error) {
	return nil, errTransient
}

func alwaysSucceeds(ctx context.Context) (interface{}, error) {
	return "ok", nil
}

// TestOpenHalfOpenCloseCycle reproduces spec §8 scenario 1.
func TestOpenHalfOpenCloseCycle(t *testing.T) {
	fc := clock.NewFake(time.Now())
	cb := New(Config{
		Name:                "svc",
		OpenAfterFailures:   3,
		OpenDuration:        time.Second,
		CloseAfterSuccesses: 2,
		MinRequestVolume:    3,
	}, fc, nil, metrics.Noop{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = cb.Call(ctx, alwaysFails, nil)
	}
	require.True(t, cb.IsOpen(), "expected Open after 3 failures, got %v", cb.Metrics().State)

	fc.Advance(1100 * time.Millisecond)

	_, err := cb.Call(ctx, alwaysSucceeds, nil)
	require.NoError(t, err, "expected first probe after open_duration to be admitted")
	require.True(t, cb.IsHalfOpen(), "expected HalfOpen after one success, got %v", cb.Metrics().State)

	_, err = cb.Call(ctx, alwaysSucceeds, nil)
	require.NoError(t, err, "second half-open success")
	require.True(t, cb.IsClosed(), "expected Closed after close_after_successes, got %v", cb.Metrics().State)

	m := cb.Metrics()
	assert.Equal(t, int64(0), m.FailureCount)
	assert.Equal(t, int64(0), m.HalfOpenSuccesses)
}

// TestRejectsWhileOpen verifies C2: no call is admitted while Open.
func TestRejectsWhileOpen(t *testing.T) {
	fc := clock.NewFake(time.Now())
	cb := New(Config{Name: "svc", OpenAfterFailures: 1, MinRequestVolume: 1, OpenDuration: time.Minute}, fc, nil, metrics.Noop{})
	ctx := context.Background()

	_, _ = cb.Call(ctx, alwaysFails, nil)
	require.True(t, cb.IsOpen())

	admitted := 0
	for i := 0; i < 10; i++ {
		_, err := cb.Call(ctx, alwaysSucceeds, nil)
		if err == nil {
			admitted++
		}
	}
	assert.Equal(t, 0, admitted, "expected zero admitted calls while Open")
}

// TestBelowMinRequestVolumeStaysClosed reproduces the boundary behavior
// in spec §8: min_request_volume=10 with 9 consecutive failures stays Closed.
func TestBelowMinRequestVolumeStaysClosed(t *testing.T) {
	fc := clock.NewFake(time.Now())
	cb := New(Config{Name: "svc", OpenAfterFailures: 3, MinRequestVolume: 10}, fc, nil, metrics.Noop{})
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		_, _ = cb.Call(ctx, alwaysFails, nil)
	}
	assert.True(t, cb.IsClosed(), "expected Closed below min_request_volume, got %v", cb.Metrics().State)
}

// TestCountedVsUncountedFailures reproduces spec §8 scenario 5.
func TestCountedVsUncountedFailures(t *testing.T) {
	fc := clock.NewFake(time.Now())
	cb := New(Config{
		Name:              "svc",
		OpenAfterFailures: 3,
		MinRequestVolume:  1,
		IsCountedFailure:  func(err error) bool { return errors.Is(err, errTransient) },
	}, fc, nil, metrics.Noop{})
	ctx := context.Background()

	failPermanent := func(ctx context.Context) (interface{}, error) { return nil, errPermanent }

	for i := 0; i < 10; i++ {
		_, err := cb.Call(ctx, failPermanent, nil)
		require.ErrorIs(t, err, errPermanent, "expected caller to observe the permanent error")
	}
	assert.True(t, cb.IsClosed(), "expected breaker to remain Closed when only uncounted errors occur, got %v", cb.Metrics().State)
}

// TestHalfOpenSingleFailureReopens verifies C3.
func TestHalfOpenSingleFailureReopens(t *testing.T) {
	fc := clock.NewFake(time.Now())
	cb := New(Config{
		Name:              "svc",
		OpenAfterFailures: 1,
		MinRequestVolume:  1,
		OpenDuration:      time.Second,
	}, fc, nil, metrics.Noop{})
	ctx := context.Background()

	_, _ = cb.Call(ctx, alwaysFails, nil)
	fc.Advance(1100 * time.Millisecond)

	_, _ = cb.Call(ctx, alwaysFails, nil) // the single half-open probe fails
	require.True(t, cb.IsOpen(), "expected re-open after a failing half-open probe, got %v", cb.Metrics().State)
}

// TestHalfOpenProbeLimitRejectsConcurrentCallers verifies that once the
// single half-open probe slot is in flight, further concurrent callers
// are rejected rather than also probing.
func TestHalfOpenProbeLimitRejectsConcurrentCallers(t *testing.T) {
	fc := clock.NewFake(time.Now())
	cb := New(Config{
		Name:              "svc",
		OpenAfterFailures: 1,
		MinRequestVolume:  1,
		OpenDuration:      time.Second,
		HalfOpenMaxProbes: 1,
	}, fc, nil, metrics.Noop{})
	ctx := context.Background()

	_, _ = cb.Call(ctx, alwaysFails, nil)
	fc.Advance(1100 * time.Millisecond)

	block := make(chan struct{})
	slowProbe := func(ctx context.Context) (interface{}, error) {
		<-block
		return "ok", nil
	}

	go func() { _, _ = cb.Call(ctx, slowProbe, nil) }()
	time.Sleep(20 * time.Millisecond) // let the first probe reserve the slot

	_, err := cb.Call(ctx, alwaysSucceeds, nil)
	assert.Error(t, err, "expected a second concurrent half-open caller to be rejected")
	close(block)
}

func TestForceOpenAndForceClosed(t *testing.T) {
	fc := clock.NewFake(time.Now())
	cb := New(Config{Name: "svc"}, fc, nil, metrics.Noop{})

	cb.ForceOpen()
	require.True(t, cb.IsOpen(), "expected ForceOpen to trip the breaker")

	cb.ForceClosed()
	require.True(t, cb.IsClosed(), "expected ForceClosed to reset the breaker")
}

func TestManagerGetOrCreateIsStable(t *testing.T) {
	fc := clock.NewFake(time.Now())
	mgr := NewManager(Config{OpenAfterFailures: 5}, fc, nil, metrics.Noop{})

	a := mgr.GetOrCreate("db")
	b := mgr.GetOrCreate("db")
	assert.Same(t, a, b, "expected GetOrCreate to return the same instance for the same name")

	c := mgr.GetOrCreate("cache")
	assert.NotSame(t, a, c, "expected distinct breakers for distinct names")
}
