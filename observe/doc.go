// Package observe provides the telemetry primitives of the gateway.
//
// It bundles an OpenTelemetry tracer and meter, a zap-backed structured
// Logger that redacts payload-bearing fields, and an Event/Sink pipeline the
// router uses to report cache hits, retries, breaker transitions and
// offline replay. Sinks can be combined with MultiSink and decoupled from
// the hot path with AsyncSink.
//
// Provider attempts are instrumented by wrapping a CallFunc:
//
//	mw, err := observe.MiddlewareFromObserver(obs)
//	if err != nil {
//		return err
//	}
//	call := mw.Wrap(func(ctx context.Context, provider string, payload []byte) ([]byte, error) {
//		return p.Call(ctx, payload)
//	})
package observe
