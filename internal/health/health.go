// Package health implements the Reliability Core's HealthMonitor:
// aggregates per-component checkers into a rolled-up status, runs a
// periodic probe loop, and fires change-detection callbacks. It wraps
// github.com/alexliesenfeld/health's status vocabulary the way the
// pack's mcpany-core health manager wraps it, generalized to the
// wider reliability-core checker contract of spec §4.5.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/alexliesenfeld/health"

	"github.com/lerian-labs/reliability-core/internal/clock"
	"github.com/lerian-labs/reliability-core/internal/logging"
)

// Status is a component's health standing, per spec §3 HealthSample.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusElevated Status = "elevated"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusError    Status = "error"
)

// Record is one checker's result.
type Record struct {
	Status  Status
	Healthy bool
	Metrics map[string]interface{}
}

// Checker is the exposed contract a collaborator registers under a name.
type Checker interface {
	Check(ctx context.Context) Record
	Metrics(ctx context.Context) map[string]interface{}
}

// CheckerFunc adapts a plain function to the Checker interface for
// simple cases that have no separate metrics to report.
type CheckerFunc func(ctx context.Context) Record

func (f CheckerFunc) Check(ctx context.Context) Record                   { return f(ctx) }
func (f CheckerFunc) Metrics(ctx context.Context) map[string]interface{} { return nil }

// Band is the derived overall compliance band (spec §4.5).
type Band string

const (
	BandExcellent Band = "excellent"
	BandGood      Band = "good"
	BandDegraded  Band = "degraded"
	BandPoor      Band = "poor"
	BandCritical  Band = "critical"
)

// Sample is a timestamped rollup across every registered checker.
type Sample struct {
	At                 time.Time
	Components         map[string]Record
	HealthPercentage   float64
	Band               Band
	FiveNinesCompliant bool
}

// bandFor derives the status band from a healthy-component percentage
// (spec §4.5 thresholds).
func bandFor(pct float64) Band {
	switch {
	case pct >= 99.999:
		return BandExcellent
	case pct >= 99.9:
		return BandGood
	case pct >= 95:
		return BandDegraded
	case pct >= 50:
		return BandPoor
	default:
		return BandCritical
	}
}

// Callbacks are the integration hooks fired on status transitions.
// Any panic from a callback is recovered and logged (spec: "callback
// exceptions MUST be swallowed and logged").
type Callbacks struct {
	OnStatusChange      func(component string, from, to Status)
	OnFailureDetected   func(component string, rec Record)
	OnRecoveryConfirmed func(component string, rec Record)
}

// Config parameterizes a Monitor.
type Config struct {
	CheckInterval      time.Duration
	FiveNinesThreshold float64
}

func (c *Config) setDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.FiveNinesThreshold <= 0 {
		c.FiveNinesThreshold = 99.999
	}
}

const sampleRingSize = 128

// Monitor aggregates component health, derives an overall status band,
// and drives an optional periodic probe loop.
type Monitor struct {
	cfg    Config
	clock  clock.Clock
	logger logging.Logger

	mu         sync.Mutex
	checkers   map[string]Checker
	lastStatus map[string]Status
	samples    []Sample
	callbacks  Callbacks

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Monitor. The Monitor does its own aggregation; it
// holds no github.com/alexliesenfeld/health aggregator (see
// AlexliesenfeldStatus for the status bridge).
func New(cfg Config, clk clock.Clock, logger logging.Logger, callbacks Callbacks) *Monitor {
	cfg.setDefaults()
	if logger == nil {
		logger = logging.NewNoop()
	}
	return &Monitor{
		cfg:        cfg,
		clock:      clk,
		logger:     logger.WithComponent("health"),
		checkers:   make(map[string]Checker),
		lastStatus: make(map[string]Status),
		callbacks:  callbacks,
	}
}

// RegisterComponentMonitor registers checker under name, replacing any
// prior registration of the same name.
func (m *Monitor) RegisterComponentMonitor(name string, checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = checker
}

// Unregister removes a previously registered checker.
func (m *Monitor) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkers, name)
	delete(m.lastStatus, name)
}

// PerformHealthCheck walks every checker, turning a panicking checker
// into a status=error/healthy=false record, derives the overall band,
// and fires change-detection callbacks.
func (m *Monitor) PerformHealthCheck(ctx context.Context) Sample {
	m.mu.Lock()
	checkers := make(map[string]Checker, len(m.checkers))
	for k, v := range m.checkers {
		checkers[k] = v
	}
	m.mu.Unlock()

	components := make(map[string]Record, len(checkers))
	for name, checker := range checkers {
		components[name] = m.safeCheck(ctx, name, checker)
	}

	healthyCount := 0
	for _, rec := range components {
		if rec.Healthy {
			healthyCount++
		}
	}
	pct := 100.0
	if len(components) > 0 {
		pct = 100.0 * float64(healthyCount) / float64(len(components))
	}

	sample := Sample{
		At:                 m.clock.Now(),
		Components:         components,
		HealthPercentage:   pct,
		Band:               bandFor(pct),
		FiveNinesCompliant: pct >= m.cfg.FiveNinesThreshold,
	}

	m.detectChanges(components)
	m.recordSample(sample)
	return sample
}

// safeCheck runs one checker, converting a panic into an error record
// (spec: "catches per-checker exceptions").
func (m *Monitor) safeCheck(ctx context.Context, name string, checker Checker) (rec Record) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("checker panicked", map[string]interface{}{"component": name, "panic": r})
			rec = Record{Status: StatusError, Healthy: false}
		}
	}()
	return checker.Check(ctx)
}

func (m *Monitor) detectChanges(components map[string]Record) {
	m.mu.Lock()
	changed := make(map[string][2]Status) // name -> [from, to]
	for name, rec := range components {
		prev, seen := m.lastStatus[name]
		if !seen || prev != rec.Status {
			changed[name] = [2]Status{prev, rec.Status}
			m.lastStatus[name] = rec.Status
		}
	}
	m.mu.Unlock()

	for name, transition := range changed {
		rec := components[name]
		m.safeCallback(func() {
			if m.callbacks.OnStatusChange != nil {
				m.callbacks.OnStatusChange(name, transition[0], transition[1])
			}
		})
		if !rec.Healthy {
			m.safeCallback(func() {
				if m.callbacks.OnFailureDetected != nil {
					m.callbacks.OnFailureDetected(name, rec)
				}
			})
		} else if transition[0] != "" {
			m.safeCallback(func() {
				if m.callbacks.OnRecoveryConfirmed != nil {
					m.callbacks.OnRecoveryConfirmed(name, rec)
				}
			})
		}
	}
}

// safeCallback recovers a panicking callback and logs it (spec:
// "callback exceptions MUST be swallowed and logged").
func (m *Monitor) safeCallback(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("health callback panicked", map[string]interface{}{"panic": r})
		}
	}()
	fn()
}

func (m *Monitor) recordSample(s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, s)
	if len(m.samples) > sampleRingSize {
		m.samples = m.samples[len(m.samples)-sampleRingSize:]
	}
}

// Samples returns a copy of the retained sample ring, oldest first.
func (m *Monitor) Samples() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sample, len(m.samples))
	copy(out, m.samples)
	return out
}

// GetHealthMetrics flattens the latest sample into a map suitable for
// export to an external collector.
func (m *Monitor) GetHealthMetrics(ctx context.Context) map[string]interface{} {
	sample := m.PerformHealthCheck(ctx)
	out := map[string]interface{}{
		"health_percentage":    sample.HealthPercentage,
		"band":                 string(sample.Band),
		"five_nines_compliant": sample.FiveNinesCompliant,
	}
	for name, rec := range sample.Components {
		out["component."+name+".status"] = string(rec.Status)
		out["component."+name+".healthy"] = rec.Healthy
	}
	return out
}

// Start begins the periodic probe loop on its own goroutine.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.stopCh != nil {
		m.mu.Unlock()
		return
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stopCh := m.stopCh
	doneCh := m.doneCh
	m.mu.Unlock()

	go func() {
		defer close(doneCh)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-m.clock.Sleep(m.cfg.CheckInterval):
				m.PerformHealthCheck(ctx)
			}
		}
	}()
}

// Stop halts the periodic probe loop started by Start and waits for it
// to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stopCh := m.stopCh
	doneCh := m.doneCh
	m.stopCh = nil
	m.doneCh = nil
	m.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

// AlexliesenfeldStatus converts this package's Status vocabulary to
// github.com/alexliesenfeld/health's, for components that bridge into
// that library's own aggregator/HTTP handler.
func AlexliesenfeldStatus(s Status) health.AvailabilityStatus {
	if s == StatusHealthy {
		return health.StatusUp
	}
	return health.StatusDown
}
