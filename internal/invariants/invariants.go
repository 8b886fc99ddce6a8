// Package invariants wires the Reliability Core's quantified
// invariants (spec §8, e.g. P1-P5, C1-C4) to
// github.com/antithesishq/antithesis-sdk-go's assertion surface, so
// violations are visible to Antithesis-style fault-injection testing
// while being a silent no-op under a normal test run or in production.
package invariants

import (
	"github.com/antithesishq/antithesis-sdk-go/assert"
)

// Always asserts that condition holds every time this call site is
// reached, for the remainder of the process (an Antithesis "sometimes
// assertion" partner would be Sometimes, not needed here). message
// identifies the invariant (e.g. "pool P1: idle+in_use<=max"); details
// carries the values that let a failure be diagnosed.
func Always(condition bool, message string, details map[string]any) {
	assert.Always(condition, message, details)
}

// Reachable marks a code path that must be exercised at least once
// across a test/fuzz/fault-injection campaign (e.g. the HalfOpen
// single-failure-reopens branch, or DLQ overflow).
func Reachable(message string, details map[string]any) {
	assert.Reachable(message, details)
}

// Unreachable marks a code path that must never execute (e.g. a
// resource appearing in both idle and in_use).
func Unreachable(message string, details map[string]any) {
	assert.Unreachable(message, details)
}
