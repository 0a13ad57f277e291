package queue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonwraymond/infergate/fault"
	"github.com/jonwraymond/infergate/request"
)

type jobState int

const (
	statePending jobState = iota
	stateRunning
	stateDone
)

// Job is one request bound to one provider lane. A job keeps its queue slot
// from admission until its final Outcome, across retries.
type Job struct {
	ID       string
	Request  *request.Request
	Provider string

	// Attempt counts dispatches started so far.
	Attempt int
	// LastDelay is the most recent retry delay, used to keep delays monotone.
	LastDelay time.Duration
	// NotBefore is the earliest time the job may be dispatched.
	NotBefore  time.Time
	EnqueuedAt time.Time

	prio      atomic.Int64
	seq       uint64
	state     jobState
	ctx       context.Context
	cancel    context.CancelCauseFunc
	stopAfter func() bool
	done      chan Outcome
}

// NewJob creates a job dispatching req to provider.
func NewJob(req *request.Request, provider string) *Job {
	j := &Job{
		ID:       request.NewID(),
		Request:  req,
		Provider: provider,
	}
	j.prio.Store(int64(req.Priority))
	return j
}

// Priority returns the job's admission priority. It starts at the request
// priority and only rises, through Queue.Raise.
func (j *Job) Priority() request.Priority {
	return request.Priority(j.prio.Load())
}

// raise lifts the priority to p and reports whether it changed.
func (j *Job) raise(p request.Priority) bool {
	for {
		cur := j.prio.Load()
		if int64(p) <= cur {
			return false
		}
		if j.prio.CompareAndSwap(cur, int64(p)) {
			return true
		}
	}
}

// Done delivers exactly one Outcome once the job is resolved.
func (j *Job) Done() <-chan Outcome {
	return j.done
}

// Context returns the job context. It is cancelled by Queue.Cancel and by
// the context passed to Submit.
func (j *Job) Context() context.Context {
	return j.ctx
}

// ctxErr converts a finished job context into a typed error, preferring a
// typed cancellation cause.
func (j *Job) ctxErr() error {
	if cause := context.Cause(j.ctx); cause != nil {
		if fault.KindOf(cause) != fault.KindUnknown {
			return cause
		}
	}
	return fault.Classify(j.Provider, j.ctx.Err())
}

// Outcome is the final result of a job.
type Outcome struct {
	Job     *Job
	Payload []byte
	Err     error
}
