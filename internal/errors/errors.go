// Package errors defines the Reliability Core's error taxonomy (kinds,
// not types, per spec §7): CircuitOpen, CapacityExceeded, TimedOut,
// PoolClosed, ResourceUnhealthy, OperationFailure (counted/uncounted),
// HealingFailed, and DegradedMode. Core components return these for
// their own failure conditions instead of throwing; errors from a
// protected operation, a pool Factory or a context are returned as they
// are. Every one is introspectable with errors.As.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code identifies the kind of a Reliability Core error.
type Code string

const (
	CodeCircuitOpen       Code = "CIRCUIT_OPEN"
	CodeCapacityExceeded  Code = "CAPACITY_EXCEEDED"
	CodeTimedOut          Code = "TIMED_OUT"
	CodePoolClosed        Code = "POOL_CLOSED"
	CodeResourceUnhealthy Code = "RESOURCE_UNHEALTHY"
	CodeOperationFailure  Code = "OPERATION_FAILURE"
	CodeHealingFailed     Code = "HEALING_FAILED"
	CodeDegradedMode      Code = "DEGRADED_MODE"
)

// CircuitOpenError is returned when a CircuitBreaker refuses admission
// because it is Open (or HalfOpen and at its probe limit). Recoverable
// by waiting for the breaker to recover or via a configured fallback.
type CircuitOpenError struct {
	Breaker string
}

func (e *CircuitOpenError) Error() string {
	if e.Breaker == "" {
		return "circuit breaker is open"
	}
	return fmt.Sprintf("circuit breaker %q is open", e.Breaker)
}

func (e *CircuitOpenError) Code() Code { return CodeCircuitOpen }

// CapacityExceededError is returned when a Bulkhead is saturated and
// the caller did not wait (a zero wait timeout). Retryable.
type CapacityExceededError struct {
	Bulkhead string
}

func (e *CapacityExceededError) Error() string {
	if e.Bulkhead == "" {
		return "bulkhead capacity exceeded"
	}
	return fmt.Sprintf("bulkhead %q capacity exceeded", e.Bulkhead)
}

func (e *CapacityExceededError) Code() Code { return CodeCapacityExceeded }

// TimedOutError is returned when a wait deadline (pool acquire,
// bulkhead wait) elapsed before a slot or resource became available.
// Retryable.
type TimedOutError struct {
	Waiting string // what the caller was waiting for, e.g. "pool resource", "bulkhead slot"
}

func (e *TimedOutError) Error() string {
	if e.Waiting == "" {
		return "timed out waiting"
	}
	return fmt.Sprintf("timed out waiting for %s", e.Waiting)
}

func (e *TimedOutError) Code() Code { return CodeTimedOut }

// PoolClosedError is terminal: the pool is no longer serving requests.
type PoolClosedError struct {
	Pool string
}

func (e *PoolClosedError) Error() string {
	if e.Pool == "" {
		return "pool is closed"
	}
	return fmt.Sprintf("pool %q is closed", e.Pool)
}

func (e *PoolClosedError) Code() Code { return CodePoolClosed }

// ResourceUnhealthyError is transient: the pool destroys the resource
// and retries internally. It is rarely seen by callers directly.
type ResourceUnhealthyError struct {
	ResourceID string
	Reason     string
}

func (e *ResourceUnhealthyError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("resource %q is unhealthy", e.ResourceID)
	}
	return fmt.Sprintf("resource %q is unhealthy: %s", e.ResourceID, e.Reason)
}

func (e *ResourceUnhealthyError) Code() Code { return CodeResourceUnhealthy }

// OperationFailureError wraps a downstream error with whether it
// belongs to a circuit breaker's configured "counted" failure set.
// Counted failures contribute to tripping the breaker; uncounted
// failures propagate to the caller unchanged in effect, but do not
// move the breaker's counters (spec C4).
type OperationFailureError struct {
	Counted bool
	Err     error
}

func (e *OperationFailureError) Error() string {
	return e.Err.Error()
}

func (e *OperationFailureError) Unwrap() error { return e.Err }

func (e *OperationFailureError) Code() Code { return CodeOperationFailure }

// HealingFailedError is terminal: the SelfHealer exhausted all retries
// and no healing strategy recovered the operation. The original error
// is chained via Unwrap.
type HealingFailedError struct {
	Attempts int
	Err      error
}

func (e *HealingFailedError) Error() string {
	return fmt.Sprintf("healing failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *HealingFailedError) Unwrap() error { return e.Err }

func (e *HealingFailedError) Code() Code { return CodeHealingFailed }

// DegradedModeError is informational: the named component is
// currently in a reversible degraded mode and this call reflects that.
type DegradedModeError struct {
	Component string
	Reason    string
}

func (e *DegradedModeError) Error() string {
	return fmt.Sprintf("component %q is degraded: %s", e.Component, e.Reason)
}

func (e *DegradedModeError) Code() Code { return CodeDegradedMode }

// coded is implemented by every error in this taxonomy.
type coded interface {
	error
	Code() Code
}

// CodeOf returns the taxonomy Code for err, and ok=false if err does
// not belong to this taxonomy (including err == nil).
func CodeOf(err error) (Code, bool) {
	var c coded
	if stderrors.As(err, &c) {
		return c.Code(), true
	}
	return "", false
}

// IsCircuitOpen reports whether err is (or wraps) a CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var e *CircuitOpenError
	return stderrors.As(err, &e)
}

// IsCapacityExceeded reports whether err is (or wraps) a CapacityExceededError.
func IsCapacityExceeded(err error) bool {
	var e *CapacityExceededError
	return stderrors.As(err, &e)
}

// IsTimedOut reports whether err is (or wraps) a TimedOutError.
func IsTimedOut(err error) bool {
	var e *TimedOutError
	return stderrors.As(err, &e)
}

// IsPoolClosed reports whether err is (or wraps) a PoolClosedError.
func IsPoolClosed(err error) bool {
	var e *PoolClosedError
	return stderrors.As(err, &e)
}

// IsHealingFailed reports whether err is (or wraps) a HealingFailedError.
func IsHealingFailed(err error) bool {
	var e *HealingFailedError
	return stderrors.As(err, &e)
}

// IsRetryable reports whether the core considers err worth retrying:
// CapacityExceeded, TimedOut, ResourceUnhealthy, and counted
// OperationFailure all are; PoolClosed, HealingFailed, and uncounted
// OperationFailure are not.
func IsRetryable(err error) bool {
	var opFail *OperationFailureError
	if stderrors.As(err, &opFail) {
		return opFail.Counted
	}
	var capErr *CapacityExceededError
	if stderrors.As(err, &capErr) {
		return true
	}
	var toErr *TimedOutError
	if stderrors.As(err, &toErr) {
		return true
	}
	var ruErr *ResourceUnhealthyError
	if stderrors.As(err, &ruErr) {
		return true
	}
	return false
}
