package selfhealer

import (
	"sync"

	"github.com/lerian-labs/reliability-core/internal/logging"
)

// DegradationRegistry is the default DegradationStrategy: a name-keyed
// set of components currently running in reduced-functionality mode.
// Degradation is always reversible (spec §4.4).
type DegradationRegistry struct {
	mu       sync.Mutex
	degraded map[string]string // component -> reason
	logger   logging.Logger
}

// NewDegradationRegistry constructs an empty registry.
func NewDegradationRegistry(logger logging.Logger) *DegradationRegistry {
	if logger == nil {
		logger = logging.NewNoop()
	}
	return &DegradationRegistry{
		degraded: make(map[string]string),
		logger:   logger.WithComponent("selfhealer.degradation"),
	}
}

// Enable places component into degraded mode with the given reason.
func (r *DegradationRegistry) Enable(component, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.degraded[component] = reason
	r.logger.Warning("component entered degraded mode", map[string]interface{}{
		"component": component,
		"reason":    reason,
	})
	return nil
}

// Disable restores component to normal operation.
func (r *DegradationRegistry) Disable(component string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.degraded[component]; !ok {
		return nil
	}
	delete(r.degraded, component)
	r.logger.Info("component exited degraded mode", map[string]interface{}{"component": component})
	return nil
}

// IsDegraded reports whether component is currently degraded, and why.
func (r *DegradationRegistry) IsDegraded(component string) (reason string, degraded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reason, degraded = r.degraded[component]
	return
}

// Snapshot returns a copy of every currently-degraded component and its reason.
func (r *DegradationRegistry) Snapshot() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.degraded))
	for k, v := range r.degraded {
		out[k] = v
	}
	return out
}
