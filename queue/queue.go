package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonwraymond/infergate/fault"
	"github.com/jonwraymond/infergate/observe"
	"github.com/jonwraymond/infergate/request"
	"github.com/jonwraymond/infergate/resilience"
)

// DispatchFunc performs one attempt of job. It must honor ctx.
type DispatchFunc func(ctx context.Context, job *Job) ([]byte, error)

// RetryFunc decides whether a failed attempt is retried. It returns nil to
// retry after delay, or the error the job resolves with, which may differ
// from err.
type RetryFunc func(job *Job, err error) (delay time.Duration, final error)

// Config configures a Queue.
type Config struct {
	// Capacity bounds the number of admitted, unresolved jobs.
	// Default: 1024
	Capacity int

	// EvictLowForHigh lets a high-priority admission evict the oldest waiting
	// low-priority job when the queue is full.
	EvictLowForHigh bool

	// DefaultConcurrency is the lane size for providers without an explicit lane.
	// Default: 4
	DefaultConcurrency int

	// Now is the clock used for retry eligibility. Default: time.Now
	Now func() time.Time
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Capacity int
	Admitted int
	Pending  int
	Running  int
	Lanes    map[string]resilience.BulkheadMetrics
}

// Queue admits jobs up to a fixed capacity and dispatches them in priority
// order, FIFO within a priority, subject to each provider lane's
// concurrency limit. Failed attempts are rescheduled through RetryFunc
// without giving up their slot.
type Queue struct {
	cfg      Config
	dispatch DispatchFunc
	retry    RetryFunc
	sink     observe.Sink
	logger   observe.Logger

	mu       sync.Mutex
	pending  [3][]*Job
	jobs     map[string]*Job
	lanes    map[string]*resilience.Bulkhead
	seq      uint64
	admitted int
	running  int
	stopped  bool

	wake chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithRetry sets the retry policy. Without one, failures are final.
func WithRetry(fn RetryFunc) Option {
	return func(q *Queue) { q.retry = fn }
}

// WithSink reports admission, retry and dispatch events.
func WithSink(s observe.Sink) Option {
	return func(q *Queue) {
		if s != nil {
			q.sink = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l observe.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithLane sets provider's concurrency limit.
func WithLane(provider string, maxConcurrent int) Option {
	return func(q *Queue) {
		q.lanes[provider] = resilience.NewBulkhead(resilience.BulkheadConfig{MaxConcurrent: maxConcurrent})
	}
}

// New creates a queue. Call Run to start dispatching.
func New(cfg Config, dispatch DispatchFunc, opts ...Option) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	q := &Queue{
		cfg:      cfg,
		dispatch: dispatch,
		sink:     observe.NopSink(),
		logger:   observe.Nop(),
		jobs:     make(map[string]*Job),
		lanes:    make(map[string]*resilience.Bulkhead),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit admits job. The job's context derives from ctx; when ctx ends
// before dispatch the job resolves with a timeout or cancellation error.
//
// At capacity, a high-priority job may evict the oldest waiting low-priority
// job (with EvictLowForHigh); otherwise Submit fails with fault.ErrQueueFull.
func (q *Queue) Submit(ctx context.Context, job *Job) error {
	if job == nil || job.Request == nil {
		return fault.Validation("queue: job has no request")
	}
	if !job.Priority().Valid() {
		return fault.Validation("queue: invalid priority %d", job.Priority())
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return fault.Cancelled("queue stopped")
	}

	var victim *Job
	if q.admitted >= q.cfg.Capacity {
		if q.cfg.EvictLowForHigh && job.Priority() == request.PriorityHigh {
			victim = q.oldestLowLocked()
		}
		if victim == nil {
			admitted := q.admitted
			q.mu.Unlock()
			err := fault.QueueFull(fmt.Sprintf("queue at capacity (%d/%d)", admitted, q.cfg.Capacity))
			q.emit(ctx, observe.Event{
				Type:      observe.EventQueueRejected,
				RequestID: job.Request.ID,
				Provider:  job.Provider,
				Priority:  job.Priority().String(),
				Err:       err,
			})
			return err
		}
		q.removePendingLocked(victim)
		q.finishLocked(victim)
	}

	q.seq++
	job.seq = q.seq
	job.state = statePending
	job.EnqueuedAt = q.cfg.Now()
	job.ctx, job.cancel = context.WithCancelCause(ctx)
	job.done = make(chan Outcome, 1)
	q.jobs[job.ID] = job
	q.admitted++
	q.insertLocked(job)
	job.stopAfter = context.AfterFunc(job.ctx, func() { q.abort(job) })
	q.mu.Unlock()

	if victim != nil {
		q.deliver(victim, Outcome{Job: victim, Err: fault.Cancelled("evicted by a higher-priority request")})
		q.emit(ctx, observe.Event{
			Type:      observe.EventQueueEvicted,
			RequestID: victim.Request.ID,
			Provider:  victim.Provider,
			Priority:  victim.Priority().String(),
		})
	}
	q.signal()
	return nil
}

// Cancel abandons the job with the given ID. A waiting job is removed and
// resolved with fault.ErrCancelled; a running job has its context cancelled.
// Returns false if no such unresolved job exists.
func (q *Queue) Cancel(jobID string) bool {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	q.mu.Unlock()
	if !ok {
		return false
	}
	job.cancel(fault.Cancelled("cancelled by caller"))
	return true
}

// Raise lifts job to priority p. A waiting job moves into p's queue at its
// original admission position; a running job keeps p for any retry.
// A job not yet submitted is admitted at p. Priorities never drop. Reports
// whether the priority changed.
func (q *Queue) Raise(job *Job, p request.Priority) bool {
	if job == nil || !p.Valid() {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if job.state == stateDone {
		return false
	}
	waiting := job.seq != 0 && job.state == statePending
	if waiting {
		q.removePendingLocked(job)
	}
	raised := job.raise(p)
	if waiting {
		q.insertLocked(job)
	}
	if raised && waiting {
		q.signal()
	}
	return raised
}

// Run dispatches jobs until ctx is done. Waiting jobs are then resolved
// with fault.ErrCancelled; running jobs finish without further retries.
func (q *Queue) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		q.mu.Lock()
		next := q.scheduleLocked(q.cfg.Now())
		q.mu.Unlock()

		var timerC <-chan time.Time
		if !next.IsZero() {
			timer.Reset(max(next.Sub(q.cfg.Now()), time.Millisecond))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			q.shutdown()
			return nil
		case <-q.wake:
		case <-timerC:
		}
		if timerC != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// Wait blocks until every started dispatch has returned.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Stats returns current queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Capacity: q.cfg.Capacity,
		Admitted: q.admitted,
		Running:  q.running,
		Lanes:    make(map[string]resilience.BulkheadMetrics, len(q.lanes)),
	}
	for _, list := range q.pending {
		s.Pending += len(list)
	}
	for name, lane := range q.lanes {
		s.Lanes[name] = lane.Metrics()
	}
	return s
}

// scheduleLocked starts every eligible job whose lane has room and returns
// the earliest future NotBefore among the rest.
func (q *Queue) scheduleLocked(now time.Time) time.Time {
	if q.stopped {
		return time.Time{}
	}

	var next time.Time
	blocked := make(map[string]bool)

	for p := request.PriorityHigh; p >= request.PriorityLow; p-- {
		list := q.pending[p]
		kept := list[:0]
		for _, j := range list {
			if j.NotBefore.After(now) {
				if next.IsZero() || j.NotBefore.Before(next) {
					next = j.NotBefore
				}
				kept = append(kept, j)
				continue
			}
			if blocked[j.Provider] {
				kept = append(kept, j)
				continue
			}
			lane := q.laneLocked(j.Provider)
			if !lane.TryAcquire() {
				blocked[j.Provider] = true
				kept = append(kept, j)
				continue
			}
			j.state = stateRunning
			j.Attempt++
			q.running++
			q.start(j, lane)
		}
		clear(list[len(kept):])
		q.pending[p] = kept
	}
	return next
}

func (q *Queue) start(j *Job, lane *resilience.Bulkhead) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()

		started := time.Now()
		out, err := q.dispatch(j.ctx, j)
		lane.Release()

		q.emit(j.ctx, observe.Event{
			Type:      observe.EventDispatch,
			RequestID: j.Request.ID,
			Provider:  j.Provider,
			Attempt:   j.Attempt,
			Duration:  time.Since(started),
			Err:       err,
		})
		q.settle(j, out, err)
	}()
}

// settle resolves or reschedules a job after an attempt.
func (q *Queue) settle(j *Job, out []byte, err error) {
	if err == nil {
		q.complete(j, Outcome{Job: j, Payload: out})
		return
	}
	if j.ctx.Err() != nil {
		q.complete(j, Outcome{Job: j, Err: fault.WithAttempts(j.ctxErr(), j.Attempt)})
		return
	}

	if q.retry != nil {
		delay, final := q.retry(j, err)
		if final == nil {
			q.mu.Lock()
			if !q.stopped && j.ctx.Err() == nil && j.state == stateRunning {
				j.LastDelay = delay
				j.NotBefore = q.cfg.Now().Add(delay)
				j.state = statePending
				q.running--
				q.insertLocked(j)
				q.mu.Unlock()

				q.emit(j.ctx, observe.Event{
					Type:      observe.EventRetryScheduled,
					RequestID: j.Request.ID,
					Provider:  j.Provider,
					Attempt:   j.Attempt,
					Delay:     delay,
					Err:       err,
				})
				q.signal()
				return
			}
			q.mu.Unlock()
			if j.ctx.Err() != nil {
				err = j.ctxErr()
			}
		} else {
			err = final
		}
	}
	q.complete(j, Outcome{Job: j, Err: fault.WithAttempts(err, j.Attempt)})
}

func (q *Queue) complete(j *Job, o Outcome) {
	q.mu.Lock()
	if j.state == stateDone {
		q.mu.Unlock()
		return
	}
	if j.state == statePending {
		q.removePendingLocked(j)
	}
	q.finishLocked(j)
	q.mu.Unlock()

	q.deliver(j, o)
	q.signal()
}

// abort resolves a job whose context ended while it was waiting.
func (q *Queue) abort(j *Job) {
	q.mu.Lock()
	if j.state != statePending {
		q.mu.Unlock()
		return
	}
	q.removePendingLocked(j)
	q.finishLocked(j)
	q.mu.Unlock()

	q.deliver(j, Outcome{Job: j, Err: fault.WithAttempts(j.ctxErr(), j.Attempt)})
	q.signal()
}

func (q *Queue) shutdown() {
	q.mu.Lock()
	q.stopped = true
	var waiting []*Job
	for p := range q.pending {
		for _, j := range q.pending[p] {
			q.finishLocked(j)
			waiting = append(waiting, j)
		}
		q.pending[p] = nil
	}
	q.mu.Unlock()

	for _, j := range waiting {
		q.deliver(j, Outcome{Job: j, Err: fault.Cancelled("queue stopped")})
	}
}

// finishLocked releases j's slot. j must already be out of the pending lists.
func (q *Queue) finishLocked(j *Job) {
	if j.state == stateRunning {
		q.running--
	}
	j.state = stateDone
	delete(q.jobs, j.ID)
	q.admitted--
}

func (q *Queue) deliver(j *Job, o Outcome) {
	if j.stopAfter != nil {
		j.stopAfter()
	}
	j.cancel(nil)
	j.done <- o
}

func (q *Queue) insertLocked(j *Job) {
	list := q.pending[j.Priority()]
	i := sort.Search(len(list), func(i int) bool { return list[i].seq > j.seq })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = j
	q.pending[j.Priority()] = list
}

func (q *Queue) removePendingLocked(j *Job) {
	list := q.pending[j.Priority()]
	for i, cur := range list {
		if cur == j {
			copy(list[i:], list[i+1:])
			list[len(list)-1] = nil
			q.pending[j.Priority()] = list[:len(list)-1]
			return
		}
	}
}

func (q *Queue) oldestLowLocked() *Job {
	if list := q.pending[request.PriorityLow]; len(list) > 0 {
		return list[0]
	}
	return nil
}

func (q *Queue) laneLocked(provider string) *resilience.Bulkhead {
	lane, ok := q.lanes[provider]
	if !ok {
		lane = resilience.NewBulkhead(resilience.BulkheadConfig{MaxConcurrent: q.cfg.DefaultConcurrency})
		q.lanes[provider] = lane
	}
	return lane
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) emit(ctx context.Context, e observe.Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	q.sink.Emit(ctx, e)
}
