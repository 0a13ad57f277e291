package observe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// EventType names a routing occurrence reported to a Sink.
type EventType string

const (
	EventCacheHit          EventType = "cache.hit"
	EventCacheMiss         EventType = "cache.miss"
	EventCacheInvalidated  EventType = "cache.invalidated"
	EventCoalesced         EventType = "flight.coalesced"
	EventDispatch          EventType = "dispatch"
	EventRetryScheduled    EventType = "retry.scheduled"
	EventFailover          EventType = "failover"
	EventBreakerTransition EventType = "breaker.transition"
	EventQueueRejected     EventType = "queue.rejected"
	EventQueueEvicted      EventType = "queue.evicted"
	EventPersisted         EventType = "sync.persisted"
	EventReplayed          EventType = "sync.replayed"
	EventCompleted         EventType = "request.completed"
)

// Event is a structured telemetry record. Fields irrelevant to the type are
// left zero.
type Event struct {
	Type        EventType
	Time        time.Time
	RequestID   string
	Fingerprint string
	Provider    string
	Priority    string
	Attempt     int
	Count       int
	Delay       time.Duration
	Duration    time.Duration
	From        string
	To          string
	Err         error
}

// Sink receives telemetry events.
//
// Contract:
// - Emit must not block the caller for long and must not panic.
// - Delivery is best-effort; a sink may drop events.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event)

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, e Event) { f(ctx, e) }

type nopSink struct{}

func (nopSink) Emit(context.Context, Event) {}

// NopSink returns a sink that discards events.
func NopSink() Sink { return nopSink{} }

// MultiSink fans events out to every sink in order.
type MultiSink []Sink

// Emit forwards e to each sink.
func (m MultiSink) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, e)
		}
	}
}

// LogSink writes events to a Logger.
type LogSink struct {
	logger Logger
}

// NewLogSink creates a sink that logs events.
func NewLogSink(logger Logger) *LogSink {
	if logger == nil {
		logger = Nop()
	}
	return &LogSink{logger: logger}
}

// Emit logs e at a level matching its severity.
func (s *LogSink) Emit(ctx context.Context, e Event) {
	fields := eventFields(e)
	msg := string(e.Type)

	switch e.Type {
	case EventBreakerTransition:
		if e.To == "open" {
			s.logger.Warn(ctx, msg, fields...)
		} else {
			s.logger.Info(ctx, msg, fields...)
		}
	case EventRetryScheduled, EventFailover, EventQueueRejected, EventQueueEvicted:
		s.logger.Warn(ctx, msg, fields...)
	case EventPersisted, EventReplayed, EventCacheInvalidated:
		s.logger.Info(ctx, msg, fields...)
	case EventDispatch, EventCompleted:
		if e.Err != nil {
			s.logger.Warn(ctx, msg, fields...)
		} else {
			s.logger.Debug(ctx, msg, fields...)
		}
	default:
		s.logger.Debug(ctx, msg, fields...)
	}
}

func eventFields(e Event) []Field {
	fields := make([]Field, 0, 8)
	if e.RequestID != "" {
		fields = append(fields, F("request_id", e.RequestID))
	}
	if e.Provider != "" {
		fields = append(fields, F("provider", e.Provider))
	}
	if e.Fingerprint != "" {
		fields = append(fields, F("fingerprint", e.Fingerprint))
	}
	if e.Priority != "" {
		fields = append(fields, F("priority", e.Priority))
	}
	if e.Attempt > 0 {
		fields = append(fields, F("attempt", e.Attempt))
	}
	if e.Count > 0 {
		fields = append(fields, F("count", e.Count))
	}
	if e.Delay > 0 {
		fields = append(fields, F("delay_ms", e.Delay.Milliseconds()))
	}
	if e.Duration > 0 {
		fields = append(fields, F("duration_ms", float64(e.Duration.Microseconds())/1000))
	}
	if e.From != "" || e.To != "" {
		fields = append(fields, F("from", e.From), F("to", e.To))
	}
	if e.Err != nil {
		fields = append(fields, F("error", e.Err.Error()))
	}
	return fields
}

// AsyncSink decouples emitters from a slow sink with a bounded buffer.
// Events that do not fit are dropped and counted. Panics in the wrapped sink
// are recovered.
type AsyncSink struct {
	next    Sink
	logger  Logger
	ch      chan asyncEvent
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	mu        sync.RWMutex
	closed    bool
}

type asyncEvent struct {
	ctx context.Context
	e   Event
}

// NewAsyncSink starts a goroutine delivering to next. buffer <= 0 uses 1024.
func NewAsyncSink(next Sink, buffer int, logger Logger) *AsyncSink {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = Nop()
	}
	s := &AsyncSink{
		next:   next,
		logger: logger,
		ch:     make(chan asyncEvent, buffer),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

// Emit enqueues e without blocking.
func (s *AsyncSink) Emit(ctx context.Context, e Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	select {
	case s.ch <- asyncEvent{ctx: context.WithoutCancel(ctx), e: e}:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded so far.
func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops accepting events and waits for the buffer to drain or ctx to end.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *AsyncSink) loop() {
	defer close(s.done)
	for ae := range s.ch {
		s.deliver(ae)
	}
}

func (s *AsyncSink) deliver(ae asyncEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ae.ctx, "telemetry sink panicked", F("event", string(ae.e.Type)), F("panic", r))
		}
	}()
	s.next.Emit(ae.ctx, ae.e)
}
