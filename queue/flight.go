package queue

import (
	"context"
	"sync"

	"github.com/jonwraymond/infergate/fault"
	"github.com/jonwraymond/infergate/request"
)

// Result is the shared outcome of a flight.
type Result struct {
	Payload  []byte
	Provider string
	Attempts int
	Cached   bool
}

// Flight is one in-progress execution shared by every caller that joined it
// under the same key.
type Flight struct {
	key    string
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	res Result
	err error

	// guarded by Group.mu
	waiters   int
	completed bool
	priority  request.Priority
	job       *Job
}

// Key returns the coalescing key.
func (f *Flight) Key() string { return f.key }

// Context is cancelled once every waiter has left.
func (f *Flight) Context() context.Context { return f.ctx }

// Done is closed when the flight completes.
func (f *Flight) Done() <-chan struct{} { return f.done }

// Result returns the outcome. Valid only after Done is closed.
func (f *Flight) Result() (Result, error) {
	res := f.res
	res.Payload = append([]byte(nil), f.res.Payload...)
	return res, f.err
}

// Group coalesces identical in-flight work. Unlike a plain single-flight,
// the leader's work is detached from the leader's context and is only
// abandoned when all waiters have gone.
//
// A flight's priority is the highest priority among its waiters. The job
// carrying the flight is admitted at that priority (Attach), and a later
// waiter with a higher priority lifts it through Queue.Raise.
type Group struct {
	mu      sync.Mutex
	flights map[string]*Flight
}

// NewGroup creates an empty group.
func NewGroup() *Group {
	return &Group{flights: make(map[string]*Flight)}
}

// Join attaches the caller to the flight for key, creating one if none is in
// progress. leader is true for the caller that created it and must run the
// work and call Complete. Values from ctx are kept; its cancellation is not.
// p raises the flight's priority if higher.
func (g *Group) Join(ctx context.Context, key string, p request.Priority) (f *Flight, leader bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if f, ok := g.flights[key]; ok {
		f.waiters++
		f.priority = max(f.priority, p)
		return f, false
	}

	fctx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	f = &Flight{
		key:      key,
		ctx:      fctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		waiters:  1,
		priority: p,
	}
	g.flights[key] = f
	return f, true
}

// Attach records j as the job currently carrying f and lifts j to the
// flight's priority. Call it before submitting j.
func (g *Group) Attach(f *Flight, j *Job) {
	g.mu.Lock()
	defer g.mu.Unlock()
	f.job = j
	j.raise(f.priority)
}

// Job returns the job currently carrying f, or nil before the first Attach.
func (g *Group) Job(f *Flight) *Job {
	g.mu.Lock()
	defer g.mu.Unlock()
	return f.job
}

// Priority returns the flight's priority.
func (g *Group) Priority(f *Flight) request.Priority {
	g.mu.Lock()
	defer g.mu.Unlock()
	return f.priority
}

// Leave detaches a waiter that stopped waiting before completion. When the
// last waiter leaves, the flight's context is cancelled and later callers
// start a new flight.
func (g *Group) Leave(f *Flight) {
	g.mu.Lock()
	if f.completed || f.waiters == 0 {
		g.mu.Unlock()
		return
	}
	f.waiters--
	abandoned := f.waiters == 0
	if abandoned && g.flights[f.key] == f {
		delete(g.flights, f.key)
	}
	g.mu.Unlock()

	if abandoned {
		f.cancel(fault.Cancelled("no waiters remain"))
	}
}

// Complete publishes the outcome to every waiter. It reports false if the
// flight was already completed.
func (g *Group) Complete(f *Flight, res Result, err error) bool {
	g.mu.Lock()
	if f.completed {
		g.mu.Unlock()
		return false
	}
	f.completed = true
	if g.flights[f.key] == f {
		delete(g.flights, f.key)
	}
	g.mu.Unlock()

	f.res = res
	f.err = err
	close(f.done)
	f.cancel(nil)
	return true
}

// Waiters returns the number of callers attached to the flight for key.
func (g *Group) Waiters(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if f, ok := g.flights[key]; ok {
		return f.waiters
	}
	return 0
}

// Len returns the number of flights in progress.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.flights)
}
