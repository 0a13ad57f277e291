// Package gateway serves a router.Router over HTTP.
//
// Routes:
//
//	POST   /v1/requests           submit a request and wait for its result
//	DELETE /v1/requests/{id}      cancel an in-flight or persisted request
//	PUT    /v1/connectivity       report the network as online or offline
//	POST   /v1/cache/invalidate   drop cached responses by tag prefix
//	GET    /v1/providers          provider descriptors, breaker and lane state
//	GET    /v1/stats              queue and backlog counters
//	GET    /healthz, /readyz      liveness and readiness
//	GET    /health[/{name}]       detailed component health
//	GET    /metrics               Prometheus exposition
//
// Routing failures map onto HTTP statuses: validation 400, queue full 429,
// provider 502, circuit open or offline 503, timeout 504, cancelled 499.
// A deferred request answers 202 with the persisted reference in "ref".
package gateway
