package selfhealer

import (
	"context"
	"runtime"

	"github.com/lerian-labs/reliability-core/internal/logging"
)

// RestartStrategy signals the owning component to re-initialize.
// Applicable for health_check_failure and service_unavailable, and
// only for the first two attempts (spec §4.4).
type RestartStrategy struct {
	Logger   logging.Logger
	Restarts map[string]func(ctx context.Context) error
}

func (s *RestartStrategy) Name() string { return "restart" }

func (s *RestartStrategy) IsApplicable(component, reason string) bool {
	return reason == "health_check_failure" || reason == "service_unavailable"
}

func (s *RestartStrategy) CanHandle(errorKind string, attempt int) bool {
	return attempt <= 2
}

func (s *RestartStrategy) Execute(ctx context.Context, component string, healCtx map[string]interface{}) (RecoveryResult, error) {
	restart, ok := s.Restarts[component]
	if !ok {
		return RecoveryResult{Success: false, Message: "no restart hook registered for " + component}, nil
	}
	if err := restart(ctx); err != nil {
		return RecoveryResult{Success: false, Message: err.Error()}, nil
	}
	return RecoveryResult{Success: true, Message: "component restarted"}, nil
}

// CircuitBreakerResetStrategy forces a named breaker to Closed.
type CircuitBreakerResetStrategy struct {
	Breakers CircuitResetter
}

func (s *CircuitBreakerResetStrategy) Name() string { return "circuit_breaker_reset" }

func (s *CircuitBreakerResetStrategy) IsApplicable(component, reason string) bool {
	return true
}

func (s *CircuitBreakerResetStrategy) CanHandle(errorKind string, attempt int) bool {
	return true
}

func (s *CircuitBreakerResetStrategy) Execute(ctx context.Context, component string, healCtx map[string]interface{}) (RecoveryResult, error) {
	if s.Breakers == nil {
		return RecoveryResult{Success: false, Message: "no circuit breaker manager wired"}, nil
	}
	s.Breakers.ForceClosed(component)
	return RecoveryResult{Success: true, Message: "breaker forced closed"}, nil
}

// ResourceCleanupStrategy triggers pool sweeps and a runtime GC.
// Applicable for memory_leak and resource_exhaustion (spec §4.4).
type ResourceCleanupStrategy struct {
	Pools PoolSweeper
}

func (s *ResourceCleanupStrategy) Name() string { return "resource_cleanup" }

func (s *ResourceCleanupStrategy) IsApplicable(component, reason string) bool {
	return reason == "memory_leak" || reason == "resource_exhaustion"
}

func (s *ResourceCleanupStrategy) CanHandle(errorKind string, attempt int) bool {
	return true
}

func (s *ResourceCleanupStrategy) Execute(ctx context.Context, component string, healCtx map[string]interface{}) (RecoveryResult, error) {
	if s.Pools != nil {
		s.Pools.SweepAll(ctx)
	}
	runtime.GC()
	return RecoveryResult{Success: true, Message: "pools swept and GC forced"}, nil
}

// ScaleOutStrategy signals an external autoscaler. Applicable for
// high_load and capacity_exceeded, and only once earlier attempts have
// already been made (attempt >= 2, spec §4.4).
type ScaleOutStrategy struct {
	Scaler Autoscaler
}

func (s *ScaleOutStrategy) Name() string { return "scale_out" }

func (s *ScaleOutStrategy) IsApplicable(component, reason string) bool {
	return reason == "high_load" || reason == "capacity_exceeded"
}

func (s *ScaleOutStrategy) CanHandle(errorKind string, attempt int) bool {
	return attempt >= 2
}

func (s *ScaleOutStrategy) Execute(ctx context.Context, component string, healCtx map[string]interface{}) (RecoveryResult, error) {
	if s.Scaler == nil {
		return RecoveryResult{Success: false, Message: "no autoscaler wired"}, nil
	}
	if err := s.Scaler.RequestScaleOut(component); err != nil {
		return RecoveryResult{Success: false, Message: err.Error()}, nil
	}
	return RecoveryResult{Success: true, Message: "scale-out requested"}, nil
}
