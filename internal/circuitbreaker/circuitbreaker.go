// Package circuitbreaker implements the Reliability Core's per-dependency
// three-state admission controller (Closed/Open/HalfOpen), generalizing
// the teacher's reliability and circuitbreaker packages into a single
// implementation driven entirely by an injected clock.
package circuitbreaker

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

// State is one of the three admission states of a CircuitBreaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// maxFailureRing bounds the sliding-window failure record, per spec §4.2.
const maxFailureRing = 100

// IsCountedFailure decides whether an operation error belongs to the
// breaker's "counted failures" taxonomy (spec §4.2, §7). The default
// counts every non-nil error; callers wanting to exempt some error
// kinds (e.g. validation errors) supply their own.
type IsCountedFailure func(err error) bool

// Config parameterizes one CircuitBreaker.
type Config struct {
	Name string

	// OpenAfterFailures is the absolute failure count, counted since
	// the breaker last returned to Closed (not limited to the sliding
	// window), that trips the breaker.
	OpenAfterFailures int
	// CloseAfterSuccesses is the number of consecutive HalfOpen
	// successes required to return to Closed.
	CloseAfterSuccesses int
	// MinRequestVolume gates opening: the breaker never opens before
	// this many calls have been observed, even if all failed.
	MinRequestVolume int
	// FailureRateThreshold, in [0,1], is an alternative opening
	// condition: Open if MinRequestVolume is met AND the failures within
	// WindowDuration, divided by all calls since the last reset, meet or
	// exceed this. Zero disables it.
	FailureRateThreshold float64
	// OpenDuration is how long the breaker stays Open before allowing
	// a HalfOpen probe.
	OpenDuration time.Duration
	// WindowDuration bounds how far back failures are counted for the
	// sliding-window rate calculation; stale entries are dropped lazily.
	WindowDuration time.Duration
	// HalfOpenMaxProbes caps concurrent trial calls admitted while
	// HalfOpen; spec's default single-probe behavior is HalfOpenMaxProbes=1.
	HalfOpenMaxProbes int

	IsCountedFailure IsCountedFailure

	OnStateChange func(from, to State)
}

func (c *Config) setDefaults() {
	if c.OpenAfterFailures <= 0 {
		c.OpenAfterFailures = 5
	}
	if c.CloseAfterSuccesses <= 0 {
		c.CloseAfterSuccesses = 3
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = 60 * time.Second
	}
	if c.WindowDuration <= 0 {
		c.WindowDuration = 300 * time.Second
	}
	if c.HalfOpenMaxProbes <= 0 {
		c.HalfOpenMaxProbes = 1
	}
	if c.IsCountedFailure == nil {
		c.IsCountedFailure = func(err error) bool { return err != nil }
	}
}

type failureRecord struct {
	at time.Time
}

// CircuitBreaker is a single named three-state admission controller.
// All reads that drive an admission decision happen under mu; stats
// readers may observe momentarily stale values (spec §5).
type CircuitBreaker struct {
	cfg     Config
	clock   clock.Clock
	logger  logging.Logger
	metrics metrics.Sink

	mu                  sync.Mutex
	state               State
	totalCalls          int64
	failureCount        int64
	halfOpenSuccesses   int64
	halfOpenProbesInUse int
	openUntil           time.Time
	halfOpenEnteredAt   time.Time
	lastFailureAt       time.Time
	lastSuccessAt       time.Time
	failures            []failureRecord
}

// New constructs a CircuitBreaker in the Closed state. A nil sink
// discards every observation.
func New(cfg Config, clk clock.Clock, logger logging.Logger, sink metrics.Sink) *CircuitBreaker {
	cfg.setDefaults()
	if logger == nil {
		logger = logging.NewNoop()
	}
	if sink == nil {
		sink = metrics.Noop{}
	}
	return &CircuitBreaker{
		cfg:     cfg,
		clock:   clk,
		logger:  logger.WithComponent("circuitbreaker." + cfg.Name),
		metrics: sink,
	}
}

// Operation is a protected call.
type Operation func(ctx context.Context) (interface{}, error)

// Fallback runs in place of Operation when the breaker rejects a call.
type Fallback func(ctx context.Context, rejectReason error) (interface{}, error)

// Call executes operation if the breaker admits the call, otherwise
// runs fallback (if provided) or returns a CircuitOpenError.
func (cb *CircuitBreaker) Call(ctx context.Context, op Operation, fallback Fallback) (interface{}, error) {
	if err := cb.admit(); err != nil {
		if fallback != nil {
			return fallback(ctx, err)
		}
		return nil, err
	}

	v, err := op(ctx)
	cb.recordResult(err)
	return v, err
}

// admit performs update_state(now) and then decides whether this call
// may proceed, reserving a HalfOpen probe slot if so. Returns a
// CircuitOpenError if the call must be rejected.
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.updateStateLocked()

	switch cb.state {
	case Closed:
		cb.totalCalls++
		return nil
	case HalfOpen:
		if cb.halfOpenProbesInUse >= cb.cfg.HalfOpenMaxProbes {
			cb.metrics.IncrCounter([]string{"circuitbreaker", "reject"}, 1, metrics.Label{Name: "breaker", Value: cb.cfg.Name})
			return &corerrors.CircuitOpenError{Breaker: cb.cfg.Name}
		}
		cb.halfOpenProbesInUse++
		cb.totalCalls++
		return nil
	default: // Open
		invariants.Always(true, "circuitbreaker C2: no call admitted while Open", map[string]any{"breaker": cb.cfg.Name})
		cb.metrics.IncrCounter([]string{"circuitbreaker", "reject"}, 1, metrics.Label{Name: "breaker", Value: cb.cfg.Name})
		return &corerrors.CircuitOpenError{Breaker: cb.cfg.Name}
	}
}

// updateStateLocked performs the time-driven Open -> HalfOpen
// transition. Must be called with mu held. Monotone: once one caller
// observes the transition at time t, every subsequent caller (even one
// that "arrived" earlier in wall-clock terms but acquires the lock
// later) observes HalfOpen too (spec §5).
func (cb *CircuitBreaker) updateStateLocked() {
	if cb.state != Open {
		return
	}
	now := cb.clock.Now()
	if !now.Before(cb.openUntil) {
		cb.transitionLocked(HalfOpen)
		cb.halfOpenEnteredAt = now
		cb.halfOpenSuccesses = 0
		cb.halfOpenProbesInUse = 0
	}
}

func (cb *CircuitBreaker) transitionLocked(to State) {
	from := cb.state
	cb.state = to
	if cb.cfg.OnStateChange != nil && from != to {
		onChange := cb.cfg.OnStateChange
		go onChange(from, to)
	}
}

// recordResult records a call's outcome and evaluates the relevant
// state transition. Only errors in the counted-failures taxonomy move
// the breaker's counters (spec C4).
func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == HalfOpen {
		cb.halfOpenProbesInUse--
	}

	if err == nil {
		cb.handleSuccessLocked()
		return
	}
	if !cb.cfg.IsCountedFailure(err) {
		return
	}
	cb.handleFailureLocked()
}

func (cb *CircuitBreaker) handleSuccessLocked() {
	now := cb.clock.Now()
	cb.lastSuccessAt = now

	switch cb.state {
	case HalfOpen:
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= int64(cb.cfg.CloseAfterSuccesses) {
			cb.resetCountersLocked()
			cb.transitionLocked(Closed)
		}
	case Closed:
		// Spec: "On success, the counter is not reset unless HalfOpen is exited."
	}
}

func (cb *CircuitBreaker) handleFailureLocked() {
	now := cb.clock.Now()
	cb.lastFailureAt = now
	cb.pruneFailuresLocked(now)
	cb.failures = append(cb.failures, failureRecord{at: now})
	if len(cb.failures) > maxFailureRing {
		cb.failures = cb.failures[len(cb.failures)-maxFailureRing:]
	}
	cb.failureCount++

	switch cb.state {
	case HalfOpen:
		cb.openLocked(now)
	case Closed:
		if cb.shouldOpenLocked(now) {
			cb.openLocked(now)
		}
	}
}

func (cb *CircuitBreaker) shouldOpenLocked(now time.Time) bool {
	if cb.totalCalls < int64(cb.cfg.MinRequestVolume) {
		return false
	}
	if cb.failureCount >= int64(cb.cfg.OpenAfterFailures) {
		return true
	}
	if cb.cfg.FailureRateThreshold > 0 {
		windowFailures := cb.countWindowFailuresLocked(now)
		rate := float64(windowFailures) / float64(cb.totalCalls)
		if rate >= cb.cfg.FailureRateThreshold {
			return true
		}
	}
	return false
}

func (cb *CircuitBreaker) countWindowFailuresLocked(now time.Time) int {
	cb.pruneFailuresLocked(now)
	return len(cb.failures)
}

// pruneFailuresLocked drops failure records older than WindowDuration.
// Called lazily on every failure record; state queries do not prune.
func (cb *CircuitBreaker) pruneFailuresLocked(now time.Time) {
	cutoff := now.Add(-cb.cfg.WindowDuration)
	i := 0
	for i < len(cb.failures) && cb.failures[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		cb.failures = cb.failures[i:]
	}
}

func (cb *CircuitBreaker) openLocked(now time.Time) {
	cb.openUntil = now.Add(cb.cfg.OpenDuration)
	wasOpen := cb.state == Open
	cb.transitionLocked(Open)
	if !wasOpen {
		cb.metrics.IncrCounter([]string{"circuitbreaker", "trip"}, 1, metrics.Label{Name: "breaker", Value: cb.cfg.Name})
	}
}

func (cb *CircuitBreaker) resetCountersLocked() {
	cb.failureCount = 0
	cb.halfOpenSuccesses = 0
	cb.failures = nil
	cb.totalCalls = 0
}

// State predicates each refresh the time-driven transition first.
func (cb *CircuitBreaker) IsClosed() bool   { return cb.snapshotState() == Closed }
func (cb *CircuitBreaker) IsOpen() bool     { return cb.snapshotState() == Open }
func (cb *CircuitBreaker) IsHalfOpen() bool { return cb.snapshotState() == HalfOpen }

func (cb *CircuitBreaker) snapshotState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.updateStateLocked()
	return cb.state
}

// ForceOpen trips the breaker unconditionally.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.openLocked(cb.clock.Now())
}

// ForceClosed resets the breaker to Closed unconditionally.
func (cb *CircuitBreaker) ForceClosed() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.resetCountersLocked()
	cb.transitionLocked(Closed)
}

// Reset is equivalent to ForceClosed (spec §8 idempotence law: force_closed
// then reset == reset alone).
func (cb *CircuitBreaker) Reset() {
	cb.ForceClosed()
}

// Metrics is a point-in-time snapshot for statistics and health export.
type Metrics struct {
	Name              string
	State             State
	TotalCalls        int64
	FailureCount      int64
	HalfOpenSuccesses int64
	LastFailureAt     time.Time
	LastSuccessAt     time.Time
}

// Metrics returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Metrics() Metrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Metrics{
		Name:              cb.cfg.Name,
		State:             cb.state,
		TotalCalls:        cb.totalCalls,
		FailureCount:      cb.failureCount,
		HalfOpenSuccesses: cb.halfOpenSuccesses,
		LastFailureAt:     cb.lastFailureAt,
		LastSuccessAt:     cb.lastSuccessAt,
	}
}

// Manager owns a name-keyed registry of breakers, created lazily.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	clock    clock.Clock
	logger   logging.Logger
	metrics  metrics.Sink
	defaults Config
}

// NewManager constructs a Manager applying defaultCfg (with Name
// overridden per breaker) to every breaker it creates via GetOrCreate.
func NewManager(defaultCfg Config, clk clock.Clock, logger logging.Logger, sink metrics.Sink) *Manager {
	if sink == nil {
		sink = metrics.Noop{}
	}
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		clock:    clk,
		logger:   logger,
		metrics:  sink,
		defaults: defaultCfg,
	}
}

// GetOrCreate returns the named breaker, creating it with the
// manager's default configuration on first use.
func (m *Manager) GetOrCreate(name string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb
	}
	cfg := m.defaults
	cfg.Name = name
	cb := New(cfg, m.clock, m.logger, m.metrics)
	m.breakers[name] = cb
	return cb
}

// GetOrCreateWithConfig is like GetOrCreate but lets the caller supply
// a per-breaker configuration instead of the manager default.
func (m *Manager) GetOrCreateWithConfig(name string, cfg Config) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb
	}
	cfg.Name = name
	cb := New(cfg, m.clock, m.logger, m.metrics)
	m.breakers[name] = cb
	return cb
}

// AllMetrics returns a snapshot of every registered breaker.
func (m *Manager) AllMetrics() map[string]Metrics {
	m.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		breakers = append(breakers, cb)
	}
	m.mu.Unlock()

	out := make(map[string]Metrics, len(breakers))
	for _, cb := range breakers {
		out[cb.cfg.Name] = cb.Metrics()
	}
	return out
}

// ResetAll force-closes every registered breaker.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		breakers = append(breakers, cb)
	}
	m.mu.Unlock()

	for _, cb := range breakers {
		cb.Reset()
	}
}
