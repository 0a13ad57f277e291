// Package router is the public entry point for inference calls.
//
// A submission flows through:
//
//  1. validation and defaults (ID, timeout, fingerprint)
//  2. cache lookup
//  3. deferral to the backlog when offline or when every breaker is open
//  4. single-flight: identical requests share one dispatch
//  5. queue admission per candidate provider, with queue-driven retries
//  6. failover to the next provider after a retryable or circuit-open outcome
//  7. cache write and delivery to every waiter
//
// Every request is bounded by its own timeout. Cancel releases one caller
// without disturbing others sharing the same dispatch; the provider call is
// aborted only when no caller remains.
package router
