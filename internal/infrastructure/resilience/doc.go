// Package resilience implements a circuit breaker for outbound collaborator
// calls. The breaker protects the allocation path from a flapping image
// catalog: after repeated failures it fails fast instead of stacking
// timed-out HTTP calls behind every sandbox creation.
package resilience
