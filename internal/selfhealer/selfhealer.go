package selfhealer

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/lerian-labs/reliability-core/internal/clock"
	corerrors "github.com/lerian-labs/reliability-core/internal/errors"
	"github.com/lerian-labs/reliability-core/internal/logging"
	"github.com/lerian-labs/reliability-core/internal/metrics"
)

// Config parameterizes one SelfHealer's retry loop.
type Config struct {
	MaxRetries int
	// BackoffBase and BackoffCap are in seconds; sleep duration for
	// attempt N is min(BackoffBase^(N-1), BackoffCap), optionally
	// jittered into [0.5, 1.5]x (spec §4.4).
	BackoffBase   float64
	BackoffCap    float64
	BackoffJitter bool

	DLQCapacity int

	EnableGracefulDegradation bool
}

func (c *Config) setDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60
	}
	if c.DLQCapacity <= 0 {
		c.DLQCapacity = 1000
	}
}

// Operation is a unit of work retried by execute_with_healing.
type Operation func(ctx context.Context) (interface{}, error)

// SelfHealer orchestrates retry, healing strategies, graceful
// degradation, and a dead-letter queue around a protected operation.
type SelfHealer struct {
	cfg        Config
	clock      clock.Clock
	logger     logging.Logger
	metrics    metrics.Sink
	strategies []HealingStrategy
	degrader   DegradationStrategy
	dlq        *DeadLetterQueue

	mu       sync.Mutex
	attempts map[string]int64 // component -> cumulative attempt count, for metrics
}

// New constructs a SelfHealer. strategies are tried in the given order;
// degrader may be nil to disable graceful degradation even if
// Config.EnableGracefulDegradation is set. A nil sink discards every
// observation.
func New(cfg Config, clk clock.Clock, logger logging.Logger, sink metrics.Sink, strategies []HealingStrategy, degrader DegradationStrategy) *SelfHealer {
	cfg.setDefaults()
	if logger == nil {
		logger = logging.NewNoop()
	}
	if sink == nil {
		sink = metrics.Noop{}
	}
	return &SelfHealer{
		cfg:        cfg,
		clock:      clk,
		logger:     logger.WithComponent("selfhealer"),
		metrics:    sink,
		strategies: strategies,
		degrader:   degrader,
		dlq:        NewDeadLetterQueue(cfg.DLQCapacity),
		attempts:   make(map[string]int64),
	}
}

// ExecuteWithHealing runs operation, retrying with exponential backoff
// and invoking the first applicable healing strategy between attempts.
// Returns the operation's value, or a HealingFailedError once retries
// are exhausted (spec §4.4 algorithm).
func (h *SelfHealer) ExecuteWithHealing(ctx context.Context, component string, descriptor OperationDescriptor, op Operation) (interface{}, error) {
	var lastErr error
	attempt := 0
	start := time.Now()

	for attempt < h.cfg.MaxRetries {
		v, err := op(ctx)
		if err == nil {
			if attempt > 0 {
				h.logger.Info("operation recovered after retries", map[string]interface{}{
					"component": component,
					"attempts":  attempt + 1,
				})
			}
			h.metrics.MeasureSince([]string{"selfhealer", "attempt", "duration"}, start, metrics.Label{Name: "component", Value: component})
			return v, nil
		}

		lastErr = err
		attempt++
		h.recordAttempt(component)

		if attempt >= h.cfg.MaxRetries {
			break
		}

		h.invokeFirstApplicableStrategy(ctx, component, err, attempt)

		if err := h.sleep(ctx, attempt); err != nil {
			lastErr = err
			break
		}
	}

	h.dlq.Enqueue(DeadLetter{
		Operation:  descriptor.Name,
		ArgsHash:   descriptor.argsHash(),
		Error:      lastErr.Error(),
		ConfigName: component,
		EnqueuedAt: h.clock.Now(),
	})
	h.metrics.IncrCounter([]string{"selfhealer", "dlq", "enqueued"}, 1, metrics.Label{Name: "component", Value: component})

	if h.cfg.EnableGracefulDegradation && h.degrader != nil {
		_ = h.degrader.Enable(component, "healing_exhausted")
		h.metrics.IncrCounter([]string{"selfhealer", "degraded"}, 1, metrics.Label{Name: "component", Value: component})
	}

	h.metrics.MeasureSince([]string{"selfhealer", "attempt", "duration"}, start, metrics.Label{Name: "component", Value: component})
	return nil, &corerrors.HealingFailedError{Attempts: attempt, Err: lastErr}
}

func (h *SelfHealer) recordAttempt(component string) {
	h.mu.Lock()
	h.attempts[component]++
	h.mu.Unlock()
	h.metrics.IncrCounter([]string{"selfhealer", "attempt"}, 1, metrics.Label{Name: "component", Value: component})
}

// AttemptCount returns the cumulative retry attempts recorded for component.
func (h *SelfHealer) AttemptCount(component string) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts[component]
}

func (h *SelfHealer) invokeFirstApplicableStrategy(ctx context.Context, component string, err error, attempt int) {
	reason := classifyReason(err)
	errorKind := reason
	for _, s := range h.strategies {
		if !s.IsApplicable(component, reason) {
			continue
		}
		if !s.CanHandle(errorKind, attempt) {
			continue
		}
		result, strategyErr := s.Execute(ctx, component, map[string]interface{}{"error": err.Error(), "attempt": attempt})
		if strategyErr != nil {
			h.logger.Warning("healing strategy errored", map[string]interface{}{
				"strategy":  s.Name(),
				"component": component,
				"error":     strategyErr.Error(),
			})
			return
		}
		h.logger.Info("healing strategy executed", map[string]interface{}{
			"strategy":  s.Name(),
			"component": component,
			"success":   result.Success,
			"message":   result.Message,
		})
		return
	}
}

// classifyReason maps a generic error onto one of the built-in
// strategies' expected reason vocabulary. Callers needing finer
// control should implement their own HealingStrategy.IsApplicable.
func classifyReason(err error) string {
	if corerrors.IsCapacityExceeded(err) {
		return "capacity_exceeded"
	}
	code, ok := corerrors.CodeOf(err)
	if !ok {
		return "unknown"
	}
	switch code {
	case corerrors.CodeResourceUnhealthy:
		return "health_check_failure"
	case corerrors.CodeCircuitOpen:
		return "service_unavailable"
	default:
		return "unknown"
	}
}

// sleep waits the backoff duration for the given attempt, cooperatively
// cancellable via ctx (spec: "sleep is cooperative, it must respect a
// global cancellation signal").
func (h *SelfHealer) sleep(ctx context.Context, attempt int) error {
	d := h.backoffDuration(attempt)
	select {
	case <-h.clock.Sleep(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *SelfHealer) backoffDuration(attempt int) time.Duration {
	seconds := math.Pow(h.cfg.BackoffBase, float64(attempt-1))
	if seconds > h.cfg.BackoffCap {
		seconds = h.cfg.BackoffCap
	}
	if h.cfg.BackoffJitter {
		factor := 0.5 + rand.Float64() // uniform in [0.5, 1.5)
		seconds *= factor
	}
	return time.Duration(seconds * float64(time.Second))
}

// DLQ exposes the dead-letter queue for inspection (admin operations,
// HealthMonitor export).
func (h *SelfHealer) DLQ() *DeadLetterQueue {
	return h.dlq
}
