package selfhealer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lerian-labs/reliability-core/internal/clock"
	corerrors "github.com/lerian-labs/reliability-core/internal/errors"
	"github.com/lerian-labs/reliability-core/internal/metrics"
)

var errAlwaysFails = errors.New("downstream unavailable")

type countingOp struct {
	calls int
}

func (c *countingOp) do(ctx context.Context) (interface{}, error) {
	c.calls++
	return nil, errAlwaysFails
}

// TestHealerBackoffAndDLQ reproduces spec §8 scenario 4: exactly 3
// invocations, a dead-letter entry, and HealingFailed chaining the
// final error.
func TestHealerBackoffAndDLQ(t *testing.T) {
	fc := clock.NewFake(time.Now())
	h := New(Config{MaxRetries: 3, BackoffBase: 2, BackoffCap: 10, DLQCapacity: 5}, fc, nil, metrics.Noop{}, nil, nil)

	op := &countingOp{}
	done := make(chan struct{})
	var result interface{}
	var err error
	go func() {
		result, err = h.ExecuteWithHealing(context.Background(), "svc", OperationDescriptor{Name: "svc.call"}, op.do)
		close(done)
	}()

	// Sleeps of 1s then 2s between the 3 attempts; advance the fake
	// clock to unblock each one.
	time.Sleep(10 * time.Millisecond)
	fc.Advance(1 * time.Second)
	time.Sleep(10 * time.Millisecond)
	fc.Advance(2 * time.Second)

	<-done

	assert.Equal(t, 3, op.calls, "expected exactly 3 invocations")
	assert.Nil(t, result, "expected nil result on exhaustion")

	var healingErr *corerrors.HealingFailedError
	require.True(t, errors.As(err, &healingErr), "expected HealingFailedError, got %v", err)
	assert.True(t, errors.Is(err, errAlwaysFails), "expected HealingFailedError to chain the original error")
	assert.Equal(t, 1, h.DLQ().Len(), "expected one dead-letter entry")
}

func TestHealerDLQOverflowDropsOldest(t *testing.T) {
	fc := clock.NewFake(time.Now())
	h := New(Config{MaxRetries: 1, DLQCapacity: 5}, fc, nil, metrics.Noop{}, nil, nil)

	for i := 0; i < 6; i++ {
		op := &countingOp{}
		_, _ = h.ExecuteWithHealing(context.Background(), "svc", OperationDescriptor{Name: "svc.call"}, op.do)
	}

	assert.Equal(t, 5, h.DLQ().Len(), "expected DLQ capped at 5")
	assert.Equal(t, int64(1), h.DLQ().DroppedCount(), "expected 1 dropped entry")
}

func TestHealerReturnsValueOnEventualSuccess(t *testing.T) {
	fc := clock.NewFake(time.Now())
	h := New(Config{MaxRetries: 5, BackoffBase: 1, BackoffCap: 1}, fc, nil, metrics.Noop{}, nil, nil)

	calls := 0
	op := func(ctx context.Context) (interface{}, error) {
		calls++
		if calls < 2 {
			return nil, errAlwaysFails
		}
		return "recovered", nil
	}

	done := make(chan struct{})
	var result interface{}
	var err error
	go func() {
		result, err = h.ExecuteWithHealing(context.Background(), "svc", OperationDescriptor{Name: "svc.call"}, op)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	fc.Advance(time.Second)
	<-done

	require.NoError(t, err, "expected eventual success")
	assert.Equal(t, "recovered", result, "expected the last successful invocation's value")
}

func TestHealerInvokesFirstApplicableStrategy(t *testing.T) {
	fc := clock.NewFake(time.Now())
	invoked := make(chan string, 1)
	strat := &fakeStrategy{
		name:       "test",
		applicable: true,
		canHandle:  true,
		onExecute:  func() { invoked <- "test" },
	}
	h := New(Config{MaxRetries: 2, BackoffBase: 1, BackoffCap: 1}, fc, nil, metrics.Noop{}, []HealingStrategy{strat}, nil)

	op := &countingOp{}
	done := make(chan struct{})
	go func() {
		_, _ = h.ExecuteWithHealing(context.Background(), "svc", OperationDescriptor{Name: "svc.call"}, op.do)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	fc.Advance(time.Second)
	<-done

	select {
	case <-invoked:
	default:
		t.Errorf("expected the registered healing strategy to run between attempts")
	}
}

type fakeStrategy struct {
	name       string
	applicable bool
	canHandle  bool
	onExecute  func()
}

func (f *fakeStrategy) Name() string                                 { return f.name }
func (f *fakeStrategy) IsApplicable(component, reason string) bool   { return f.applicable }
func (f *fakeStrategy) CanHandle(errorKind string, attempt int) bool { return f.canHandle }
func (f *fakeStrategy) Execute(ctx context.Context, component string, healCtx map[string]interface{}) (RecoveryResult, error) {
	if f.onExecute != nil {
		f.onExecute()
	}
	return RecoveryResult{Success: true}, nil
}

func TestHealerEnablesDegradationOnExhaustion(t *testing.T) {
	fc := clock.NewFake(time.Now())
	reg := NewDegradationRegistry(nil)
	h := New(Config{MaxRetries: 1, EnableGracefulDegradation: true}, fc, nil, metrics.Noop{}, nil, reg)

	op := &countingOp{}
	_, _ = h.ExecuteWithHealing(context.Background(), "svc", OperationDescriptor{Name: "svc.call"}, op.do)

	reason, degraded := reg.IsDegraded("svc")
	require.True(t, degraded, "expected svc to be in degraded mode after healing exhaustion")
	assert.NotEmpty(t, reason, "expected a non-empty degradation reason")
}
