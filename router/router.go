package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/infergate/backsync"
	"github.com/jonwraymond/infergate/cache"
	"github.com/jonwraymond/infergate/fault"
	"github.com/jonwraymond/infergate/observe"
	"github.com/jonwraymond/infergate/provider"
	"github.com/jonwraymond/infergate/queue"
	"github.com/jonwraymond/infergate/request"
	"github.com/jonwraymond/infergate/resilience"
)

// Config configures a Router.
type Config struct {
	// DefaultTimeout bounds requests that set no timeout of their own.
	// Default: 30s
	DefaultTimeout time.Duration

	// Retry shapes queue-driven retries of a single provider.
	Retry resilience.RetryConfig

	// Queue configures admission and per-provider lanes. Lanes sized by
	// provider descriptors take precedence over Queue.DefaultConcurrency.
	Queue queue.Config
}

// ReplayResultFunc receives the final outcome of a replayed request.
type ReplayResultFunc func(item backsync.Item, res request.Result, err error)

// Router is the single entry point for inference calls. It owns no global
// state: breakers, cache and backlog are injected.
type Router struct {
	cfg      Config
	registry *provider.Registry
	breakers *resilience.Breakers
	layer    *cache.Layer
	sync     *backsync.Coordinator
	retry    *resilience.Retry
	queue    *queue.Queue
	flights  *queue.Group

	mw     *observe.Middleware
	tracer observe.Tracer
	sink   observe.Sink
	logger observe.Logger

	execMu    sync.Mutex
	executors map[string]*resilience.Executor

	mu       sync.Mutex
	active   map[string]context.CancelCauseFunc
	onReplay ReplayResultFunc
}

// New creates a router over the providers in registry.
func New(registry *provider.Registry, breakers *resilience.Breakers, cfg Config, opts ...Option) (*Router, error) {
	if registry == nil {
		return nil, fault.Validation("router: registry is required")
	}
	if breakers == nil {
		breakers = resilience.NewBreakers(resilience.CircuitBreakerConfig{})
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}

	r := &Router{
		cfg:       cfg,
		registry:  registry,
		breakers:  breakers,
		layer:     cache.NewLayer(nil, cache.NoCachePolicy()),
		retry:     resilience.NewRetry(cfg.Retry),
		flights:   queue.NewGroup(),
		sink:      observe.NopSink(),
		logger:    observe.Nop(),
		executors: make(map[string]*resilience.Executor),
		active:    make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.mw == nil {
		r.mw = observe.NewMiddleware(r.tracer, nil, r.logger)
	}
	if r.tracer == nil {
		r.tracer = r.mw.Tracer()
	}

	qopts := []queue.Option{
		queue.WithRetry(r.retryDecision),
		queue.WithSink(r.sink),
		queue.WithLogger(r.logger),
	}
	for _, e := range registry.Entries() {
		if e.Descriptor.MaxConcurrent > 0 {
			qopts = append(qopts, queue.WithLane(e.Descriptor.Name, e.Descriptor.MaxConcurrent))
		}
	}
	r.queue = queue.New(cfg.Queue, r.dispatch, qopts...)

	breakers.OnStateChange(r.breakerChanged)
	if r.sync != nil {
		r.sync.SetReplayFunc(r.replayItem)
	}
	return r, nil
}

// Run drives the dispatch queue and, when configured, the replay loop until
// ctx is done. Submit blocks in the queue until Run is started.
func (r *Router) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.queue.Run(gctx) })
	if r.sync != nil {
		g.Go(func() error { return r.sync.Run(gctx) })
	}
	err := g.Wait()
	r.queue.Wait()
	return err
}

// Submit routes req and blocks until it resolves: a fresh or cached result,
// a result shared with an identical in-flight request, or a *fault.Error.
// A request persisted for later replay resolves with fault.ErrDeferred.
func (r *Router) Submit(ctx context.Context, req *request.Request) (request.Result, error) {
	return r.submit(ctx, req, false)
}

// Cancel abandons the request with the given ID from its caller's point of
// view. Other callers sharing the same in-flight dispatch are unaffected.
// A persisted request is discarded. Returns false for unknown IDs.
func (r *Router) Cancel(id string) bool {
	r.mu.Lock()
	cancel, ok := r.active[id]
	r.mu.Unlock()
	if ok {
		cancel(&fault.Error{Kind: fault.KindCancelled, Cause: errCancelledByCaller})
	}
	if r.sync == nil {
		return ok
	}
	// A request being replayed is both active and persisted.
	discarded, err := r.sync.Discard(context.Background(), id)
	if err != nil {
		r.logger.Warn(context.Background(), "discarding persisted request failed",
			observe.F("request_id", id), observe.F("error", err))
	}
	return ok || discarded
}

var errCancelledByCaller = errors.New("cancelled by caller")

// OnConnectivityChange records the network state reported by the host.
// Going online replays the persisted backlog.
func (r *Router) OnConnectivityChange(online bool) {
	if r.sync == nil {
		return
	}
	if r.sync.SetOnline(online) {
		r.logger.Info(context.Background(), "connectivity changed", observe.F("online", online))
	}
}

// OnReplayResult sets the callback receiving outcomes of replayed requests.
func (r *Router) OnReplayResult(fn ReplayResultFunc) {
	r.mu.Lock()
	r.onReplay = fn
	r.mu.Unlock()
}

// Invalidate drops cached responses whose tags begin with prefix.
func (r *Router) Invalidate(ctx context.Context, prefix string) (int, error) {
	n, err := r.layer.Invalidate(ctx, prefix)
	if err == nil {
		r.sink.Emit(ctx, observe.Event{Type: observe.EventCacheInvalidated, Time: time.Now(), Count: n})
	}
	return n, err
}

// Breakers returns the breaker table.
func (r *Router) Breakers() *resilience.Breakers { return r.breakers }

// Registry returns the provider registry.
func (r *Router) Registry() *provider.Registry { return r.registry }

// QueueStats returns dispatch queue statistics.
func (r *Router) QueueStats() queue.Stats { return r.queue.Stats() }

// Backlog returns the sync coordinator, or nil.
func (r *Router) Backlog() *backsync.Coordinator { return r.sync }

func (r *Router) submit(ctx context.Context, req *request.Request, replaying bool) (res request.Result, err error) {
	if err := req.Validate(); err != nil {
		return request.Result{}, err
	}
	req = req.Clone()
	if req.ID == "" {
		req.ID = request.NewID()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	if req.Timeout == 0 {
		req.Timeout = r.cfg.DefaultTimeout
	}
	candidates, err := r.candidates(req)
	if err != nil {
		return request.Result{}, err
	}
	r.layer.Fingerprint(req)

	started := time.Now()
	ctx = observe.WithRequestID(ctx, req.ID)
	ctx, span := r.tracer.StartSpan(ctx, observe.SpanMeta{
		Operation:   operation(replaying),
		Provider:    req.Provider,
		RequestID:   req.ID,
		Fingerprint: req.Fingerprint,
		Priority:    req.Priority.String(),
	})
	defer func() {
		r.tracer.EndSpan(span, err)
		r.sink.Emit(ctx, observe.Event{
			Type:        observe.EventCompleted,
			Time:        time.Now(),
			RequestID:   req.ID,
			Fingerprint: req.Fingerprint,
			Provider:    res.Provider,
			Priority:    req.Priority.String(),
			Attempt:     res.Attempts,
			Duration:    time.Since(started),
			Err:         err,
		})
	}()

	ctx, cancelTimeout := context.WithTimeoutCause(ctx, req.Timeout, fault.Timeout(req.Provider, context.DeadlineExceeded))
	defer cancelTimeout()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if err := r.track(req.ID, cancel); err != nil {
		return request.Result{}, err
	}
	defer r.untrack(req.ID)

	if payload, ok := r.layer.Lookup(ctx, req); ok {
		r.emit(ctx, observe.EventCacheHit, req, "")
		return request.Result{
			RequestID:   req.ID,
			Fingerprint: req.Fingerprint,
			Payload:     payload,
			Cached:      true,
			Latency:     time.Since(started),
		}, nil
	}
	if r.layer.Enabled(req) {
		r.emit(ctx, observe.EventCacheMiss, req, "")
	}

	if !replaying {
		if deferred, err := r.maybePersist(ctx, req, candidates); deferred {
			return request.Result{}, err
		}
	}
	if req.Provider != "" {
		if err := r.breakers.Get(req.Provider).Check(); err != nil {
			return request.Result{}, err
		}
	}

	f, leader := r.flights.Join(ctx, req.Fingerprint, req.Priority)
	if leader {
		go r.runFlight(f, req, candidates)
	} else {
		r.queue.Raise(r.flights.Job(f), req.Priority)
		r.emit(ctx, observe.EventCoalesced, req, "")
	}

	select {
	case <-f.Done():
	case <-ctx.Done():
		r.flights.Leave(f)
		return request.Result{}, contextError(ctx, req.Provider)
	}

	out, err := f.Result()
	if err != nil {
		return request.Result{}, err
	}
	return request.Result{
		RequestID:   req.ID,
		Provider:    out.Provider,
		Fingerprint: req.Fingerprint,
		Payload:     out.Payload,
		Shared:      !leader,
		Attempts:    out.Attempts,
		Latency:     time.Since(started),
	}, nil
}

// maybePersist defers req when nothing can dispatch it: the host is offline,
// or no provider was requested and every breaker is open.
func (r *Router) maybePersist(ctx context.Context, req *request.Request, candidates []string) (bool, error) {
	if r.sync == nil {
		return false, nil
	}

	var cause error
	switch {
	case !r.sync.Online():
		cause = fault.Offline(errors.New("host reported offline"))
	case req.Provider == "" && r.breakers.AllOpen(candidates):
		cause = fault.CircuitOpen(candidates[len(candidates)-1])
	default:
		return false, nil
	}

	item, err := r.sync.Persist(ctx, req)
	if err != nil {
		r.logger.Error(ctx, "persisting request failed",
			observe.F("request_id", req.ID), observe.F("error", err))
		return true, fault.Offline(err)
	}
	return true, fault.Deferred(item.ID, cause)
}

// runFlight dispatches req on behalf of every waiter of f, failing over
// through candidates in order.
//
// The flight runs on its own context: each waiter enforces its own timeout
// in submit, and the flight is abandoned once the last waiter has left.
func (r *Router) runFlight(f *queue.Flight, req *request.Request, candidates []string) {
	ctx := f.Context()

	var (
		res     queue.Result
		lastErr error
	)
	for i, name := range candidates {
		if req.Provider == "" && i < len(candidates)-1 && r.breakers.Get(name).Check() != nil {
			lastErr = fault.CircuitOpen(name)
			continue
		}

		job := queue.NewJob(req, name)
		r.flights.Attach(f, job)
		if err := r.queue.Submit(ctx, job); err != nil {
			lastErr = err
			break
		}
		o := <-job.Done()
		res.Attempts += job.Attempt
		if o.Err == nil {
			res.Payload = o.Payload
			res.Provider = name
			lastErr = nil
			r.layer.Store(context.WithoutCancel(ctx), req, name, o.Payload)
			break
		}

		lastErr = o.Err
		if ctx.Err() != nil || !failoverWorthy(o.Err) || i == len(candidates)-1 {
			break
		}
		r.sink.Emit(ctx, observe.Event{
			Type:      observe.EventFailover,
			Time:      time.Now(),
			RequestID: req.ID,
			Provider:  name,
			To:        candidates[i+1],
			Attempt:   job.Attempt,
			Err:       o.Err,
		})
	}

	if lastErr != nil {
		lastErr = fault.WithAttempts(lastErr, res.Attempts)
	}
	r.flights.Complete(f, res, lastErr)
}

// dispatch performs one attempt of job through the provider's executor.
func (r *Router) dispatch(ctx context.Context, job *queue.Job) ([]byte, error) {
	entry, err := r.registry.Get(job.Provider)
	if err != nil {
		return nil, fault.Validation("unknown provider %q", job.Provider)
	}
	call := r.mw.Wrap(func(ctx context.Context, _ string, payload []byte) ([]byte, error) {
		return entry.Provider.Call(ctx, payload)
	})

	var out []byte
	err = r.executor(entry).Execute(ctx, func(ctx context.Context) error {
		var cerr error
		out, cerr = call(ctx, job.Provider, job.Request.Payload)
		return cerr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// retryDecision schedules another attempt on the same provider unless the
// failure is final. A breaker that opened meanwhile abandons the remaining
// attempts with fault.ErrCircuitOpen in place of the provider error.
func (r *Router) retryDecision(job *queue.Job, err error) (time.Duration, error) {
	if errors.Is(err, fault.ErrCircuitOpen) {
		return 0, err
	}
	delay, ok := r.retry.Next(job.Attempt, err, job.LastDelay)
	if !ok {
		return 0, err
	}
	if r.breakers.Get(job.Provider).Check() != nil {
		return 0, fault.CircuitOpen(job.Provider)
	}
	return delay, nil
}

func (r *Router) executor(entry provider.Entry) *resilience.Executor {
	d := entry.Descriptor
	r.execMu.Lock()
	defer r.execMu.Unlock()

	if e, ok := r.executors[d.Name]; ok {
		return e
	}
	opts := []resilience.ExecutorOption{
		resilience.WithCircuitBreaker(r.breakers.Get(d.Name)),
		resilience.WithTimeout(d.Timeout),
	}
	if d.RateLimit > 0 {
		opts = append(opts, resilience.WithRateLimiter(resilience.NewRateLimiter(resilience.RateLimiterConfig{
			Rate:  d.RateLimit,
			Burst: d.Burst,
		})))
	}
	e := resilience.NewExecutor(d.Name, opts...)
	r.executors[d.Name] = e
	return e
}

// replayItem re-submits a persisted request. Offline and all-open checks are
// skipped: the coordinator only replays while online and keeps the item on
// any non-terminal failure.
//
// A replay cancelled through Cancel is final: the item has been discarded and
// the provider's remaining items still replay in this pass.
func (r *Router) replayItem(ctx context.Context, item backsync.Item) error {
	res, err := r.submit(ctx, item.Request, true)
	cancelled := errors.Is(err, errCancelledByCaller)
	if fault.Terminal(err) || cancelled {
		r.mu.Lock()
		fn := r.onReplay
		r.mu.Unlock()
		if fn != nil {
			fn(item, res, err)
		}
	}
	if cancelled {
		return nil
	}
	return err
}

func (r *Router) candidates(req *request.Request) ([]string, error) {
	if req.Provider != "" {
		if _, err := r.registry.Get(req.Provider); err != nil {
			return nil, fault.Validation("unknown provider %q", req.Provider)
		}
		return []string{req.Provider}, nil
	}
	names := r.registry.Names()
	if len(names) == 0 {
		return nil, fault.Offline(provider.ErrNotFound)
	}
	return names, nil
}

func (r *Router) track(id string, cancel context.CancelCauseFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[id]; ok {
		return fault.Validation("request %q is already in progress", id)
	}
	r.active[id] = cancel
	return nil
}

func (r *Router) untrack(id string) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}

func (r *Router) breakerChanged(name string, from, to resilience.State) {
	ctx := context.Background()
	r.sink.Emit(ctx, observe.Event{
		Type:     observe.EventBreakerTransition,
		Time:     time.Now(),
		Provider: name,
		From:     from.String(),
		To:       to.String(),
	})
	if to == resilience.StateClosed && r.sync != nil {
		// A recovered provider may drain the backlog before the next tick.
		r.sync.Trigger()
	}
}

func (r *Router) emit(ctx context.Context, typ observe.EventType, req *request.Request, provider string) {
	r.sink.Emit(ctx, observe.Event{
		Type:        typ,
		Time:        time.Now(),
		RequestID:   req.ID,
		Fingerprint: req.Fingerprint,
		Provider:    provider,
		Priority:    req.Priority.String(),
	})
}

// failoverWorthy reports whether another provider might succeed where this
// one failed.
func failoverWorthy(err error) bool {
	return fault.Retryable(err) || errors.Is(err, fault.ErrCircuitOpen)
}

// contextError converts a finished request context into a typed error.
func contextError(ctx context.Context, provider string) error {
	cause := context.Cause(ctx)
	if fault.KindOf(cause) != fault.KindUnknown {
		return cause
	}
	return fault.Classify(provider, ctx.Err())
}

func operation(replaying bool) string {
	if replaying {
		return "replay"
	}
	return "submit"
}
