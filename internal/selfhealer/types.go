// Package selfhealer implements the Reliability Core's retry
// orchestrator: exponential backoff, pluggable healing strategies,
// graceful degradation, and a bounded dead-letter queue, generalizing
// the teacher's retry package into the spec's wider healing loop.
package selfhealer

import "context"

// RecoveryResult is the return of a healing strategy's Execute call.
type RecoveryResult struct {
	Success bool
	Message string
	Data    interface{}
}

// HealingStrategy is a pluggable recovery action tried in registration
// order; the first whose CanHandle is true executes. Its
// RecoveryResult only advances metrics — it does not itself retry the
// operation, the SelfHealer loop does that.
type HealingStrategy interface {
	Name() string
	IsApplicable(component, reason string) bool
	CanHandle(errorKind string, attempt int) bool
	Execute(ctx context.Context, component string, healCtx map[string]interface{}) (RecoveryResult, error)
}

// DegradationStrategy is the exposed contract for entering and leaving
// a reversible reduced-functionality mode (spec §6).
type DegradationStrategy interface {
	Enable(component, reason string) error
	Disable(component string) error
}

// Autoscaler is the fire-and-forget contract consumed by the ScaleOut
// strategy (spec §6, optional collaborator).
type Autoscaler interface {
	RequestScaleOut(component string) error
}

// CircuitResetter is the narrow capability CircuitBreakerReset needs:
// force a named breaker back to Closed. internal/di satisfies it with
// an adapter over *circuitbreaker.Manager, so this package never
// imports circuitbreaker, keeping selfhealer a leaf relative to it.
type CircuitResetter interface {
	ForceClosed(name string)
}

// PoolSweeper is the narrow capability ResourceCleanup needs: run a
// health-check sweep across all pools.
type PoolSweeper interface {
	SweepAll(ctx context.Context)
}
