package router

import (
	"github.com/jonwraymond/infergate/backsync"
	"github.com/jonwraymond/infergate/cache"
	"github.com/jonwraymond/infergate/observe"
)

// Option configures a Router.
type Option func(*Router)

// WithCache enables response caching through layer.
func WithCache(layer *cache.Layer) Option {
	return func(r *Router) {
		if layer != nil {
			r.layer = layer
		}
	}
}

// WithBacklog persists undeliverable requests through c and replays them on
// reconnect.
func WithBacklog(c *backsync.Coordinator) Option {
	return func(r *Router) {
		r.sync = c
	}
}

// WithSink reports routing events.
func WithSink(s observe.Sink) Option {
	return func(r *Router) {
		if s != nil {
			r.sink = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l observe.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMiddleware instruments every provider attempt.
func WithMiddleware(mw *observe.Middleware) Option {
	return func(r *Router) {
		r.mw = mw
	}
}

// WithTracer traces each submission. Defaults to the middleware's tracer.
func WithTracer(t observe.Tracer) Option {
	return func(r *Router) {
		r.tracer = t
	}
}
