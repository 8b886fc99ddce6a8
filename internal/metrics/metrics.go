// Package metrics wraps github.com/armon/go-metrics the way the pack's
// mcpany-core server/pkg/metrics package does: an in-memory sink by
// default, a small typed surface over counters/gauges/timers, and no
// HTTP exposition (serving a metrics endpoint is a wire-protocol
// concern, out of this core's scope per spec §1).
package metrics

import (
	"time"

	goMetrics "github.com/armon/go-metrics"
)

// Sink is the narrow recording surface the Reliability Core's
// components depend on, so call sites never import armon/go-metrics
// directly.
type Sink interface {
	IncrCounter(name []string, value float32, labels ...Label)
	SetGauge(name []string, value float32, labels ...Label)
	MeasureSince(name []string, start time.Time, labels ...Label)
}

// Label is a single metric dimension, mirroring armon/go-metrics' own.
type Label struct {
	Name  string
	Value string
}

func toGoLabels(labels []Label) []goMetrics.Label {
	if len(labels) == 0 {
		return nil
	}
	out := make([]goMetrics.Label, len(labels))
	for i, l := range labels {
		out[i] = goMetrics.Label{Name: l.Name, Value: l.Value}
	}
	return out
}

// armonSink adapts a *goMetrics.Metrics to Sink.
type armonSink struct {
	m *goMetrics.Metrics
}

// New constructs a Sink backed by an in-memory armon/go-metrics sink,
// retaining the last retain window of samples for introspection.
func New(serviceName string, interval, retain time.Duration) Sink {
	inmem := goMetrics.NewInmemSink(interval, retain)
	cfg := goMetrics.DefaultConfig(serviceName)
	cfg.EnableHostname = false
	m, err := goMetrics.New(cfg, inmem)
	if err != nil {
		// armon/go-metrics.New only fails on a misconfigured sink; an
		// in-memory sink with positive durations cannot fail here.
		m = goMetrics.NewGlobal(cfg, inmem)
	}
	return &armonSink{m: m}
}

func (s *armonSink) IncrCounter(name []string, value float32, labels ...Label) {
	s.m.IncrCounterWithLabels(name, value, toGoLabels(labels))
}

func (s *armonSink) SetGauge(name []string, value float32, labels ...Label) {
	s.m.SetGaugeWithLabels(name, value, toGoLabels(labels))
}

func (s *armonSink) MeasureSince(name []string, start time.Time, labels ...Label) {
	s.m.MeasureSinceWithLabels(name, start, toGoLabels(labels))
}

// Noop is a Sink that discards every observation, for components run
// without metrics wiring (tests, the demo binary without a collector).
type Noop struct{}

func (Noop) IncrCounter(name []string, value float32, labels ...Label)    {}
func (Noop) SetGauge(name []string, value float32, labels ...Label)       {}
func (Noop) MeasureSince(name []string, start time.Time, labels ...Label) {}
