package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNoopSinkDiscardsWithoutPanicking(t *testing.T) {
	var s Sink = Noop{}
	s.IncrCounter([]string{"pool", "acquire"}, 1, Label{Name: "pool", Value: "db"})
	s.SetGauge([]string{"pool", "idle"}, 3)
	s.MeasureSince([]string{"pool", "acquire", "latency"}, time.Now())
}

func TestNewProducesAWorkingSink(t *testing.T) {
	s := New("reliability-core-test", time.Second, 10*time.Second)
	require.NotNil(t, s)
	// Exercises the armon/go-metrics-backed path without asserting on
	// internal aggregation, which that library owns.
	s.IncrCounter([]string{"circuitbreaker", "trip"}, 1, Label{Name: "name", Value: "db"})
	s.SetGauge([]string{"bulkhead", "active"}, 2)
	s.MeasureSince([]string{"selfhealer", "attempt", "duration"}, time.Now())
}
