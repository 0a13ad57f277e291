package backsync

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/jonwraymond/infergate/fault"
	"github.com/jonwraymond/infergate/observe"
	"github.com/jonwraymond/infergate/request"
	"github.com/jonwraymond/infergate/resilience"
)

// ReplayFunc re-submits a persisted item. A nil error or a terminal error
// (see fault.Terminal) removes the item; any other error keeps it for a
// later replay.
type ReplayFunc func(ctx context.Context, item Item) error

// Config configures a Coordinator.
type Config struct {
	// ReplayInterval triggers a replay periodically while online.
	// Zero disables periodic replay; replays then happen on reconnect only.
	ReplayInterval time.Duration

	// RemoveAttempts bounds the attempts to delete a finished item.
	// Default: 3
	RemoveAttempts int

	// StartOffline starts the coordinator in the offline state.
	StartOffline bool
}

// Report summarizes one replay pass.
type Report struct {
	// Replayed counts items handed to the ReplayFunc.
	Replayed int
	// Removed counts items deleted after a terminal outcome.
	Removed int
	// Remaining counts items left in the store.
	Remaining int
}

// Coordinator persists undeliverable requests and replays them when
// connectivity returns.
//
// Replay order is priority first, then append order. Items sharing a
// provider replay one at a time; distinct providers replay concurrently.
// A provider's pass stops at its first non-terminal failure so later items
// keep their place behind it.
type Coordinator struct {
	store  Store
	replay ReplayFunc
	cfg    Config

	logger observe.Logger
	sink   observe.Sink
	now    func() time.Time
	remove *resilience.Retry

	online atomic.Bool
	flight singleflight.Group
	kick   chan struct{}

	mu sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l observe.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithSink reports persisted and replayed events.
func WithSink(s observe.Sink) Option {
	return func(c *Coordinator) {
		if s != nil {
			c.sink = s
		}
	}
}

// WithClock sets the clock used for EnqueuedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCoordinator creates a coordinator over store. replay may be set later
// with SetReplayFunc, before the first replay.
func NewCoordinator(store Store, replay ReplayFunc, cfg Config, opts ...Option) *Coordinator {
	if cfg.RemoveAttempts <= 0 {
		cfg.RemoveAttempts = 3
	}
	c := &Coordinator{
		store:  store,
		replay: replay,
		cfg:    cfg,
		logger: observe.Nop(),
		sink:   observe.NopSink(),
		now:    time.Now,
		kick:   make(chan struct{}, 1),
	}
	c.remove = resilience.NewRetry(resilience.RetryConfig{
		MaxAttempts:  cfg.RemoveAttempts,
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     time.Second,
		RetryIf:      func(err error) bool { return !errors.Is(err, ErrClosed) },
	})
	c.online.Store(!cfg.StartOffline)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetReplayFunc sets the function replaying items.
func (c *Coordinator) SetReplayFunc(fn ReplayFunc) {
	c.mu.Lock()
	c.replay = fn
	c.mu.Unlock()
}

// Persist appends req to the store. The item ID is the request ID, so the
// item can later be discarded by the same ID.
func (c *Coordinator) Persist(ctx context.Context, req *request.Request) (Item, error) {
	if req == nil || req.ID == "" {
		return Item{}, ErrInvalidItem
	}
	item := Item{
		ID:         req.ID,
		Request:    req.Clone(),
		EnqueuedAt: c.now(),
	}
	if err := c.store.Append(ctx, item); err != nil {
		return Item{}, err
	}
	c.sink.Emit(ctx, observe.Event{
		Type:        observe.EventPersisted,
		Time:        item.EnqueuedAt,
		RequestID:   req.ID,
		Fingerprint: req.Fingerprint,
		Provider:    req.Provider,
		Priority:    req.Priority.String(),
	})
	return item, nil
}

// SetOnline records connectivity. Going from offline to online triggers a
// replay through Run. It reports whether the state changed.
func (c *Coordinator) SetOnline(online bool) bool {
	was := c.online.Swap(online)
	if online && !was {
		c.Trigger()
	}
	return was != online
}

// Online reports the last connectivity state set.
func (c *Coordinator) Online() bool {
	return c.online.Load()
}

// Trigger asks Run to replay soon. Repeated triggers coalesce.
func (c *Coordinator) Trigger() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Discard removes an item without replaying it. It reports whether the item
// existed.
func (c *Coordinator) Discard(ctx context.Context, id string) (bool, error) {
	err := c.store.Remove(ctx, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Pending returns the number of stored items.
func (c *Coordinator) Pending(ctx context.Context) (int, error) {
	items, err := c.store.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Replay replays every stored item once. Concurrent calls share one pass.
// Nothing is replayed while offline.
func (c *Coordinator) Replay(ctx context.Context) (Report, error) {
	v, err, _ := c.flight.Do("replay", func() (any, error) {
		return c.replayAll(ctx)
	})
	if v == nil {
		return Report{}, err
	}
	return v.(Report), err
}

// Run replays on reconnect and, when configured, periodically while online,
// until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if c.cfg.ReplayInterval > 0 {
		t := time.NewTicker(c.cfg.ReplayInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.kick:
		case <-tick:
		}
		if !c.Online() {
			continue
		}
		if _, err := c.Replay(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn(ctx, "sync replay failed", observe.F("error", err))
		}
	}
}

// Close closes the underlying store.
func (c *Coordinator) Close() error {
	return c.store.Close()
}

func (c *Coordinator) replayAll(ctx context.Context) (Report, error) {
	c.mu.Lock()
	replay := c.replay
	c.mu.Unlock()
	if replay == nil || !c.Online() {
		n, err := c.Pending(ctx)
		return Report{Remaining: n}, err
	}

	items, err := c.store.ListPending(ctx)
	if err != nil {
		return Report{}, err
	}
	slices.SortStableFunc(items, func(a, b Item) int {
		return cmp.Compare(b.Request.Priority, a.Request.Priority)
	})

	var (
		groups [][]Item
		index  = make(map[string]int)
	)
	for _, it := range items {
		i, ok := index[it.Provider()]
		if !ok {
			i = len(groups)
			index[it.Provider()] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], it)
	}

	var replayed, removed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, group := range groups {
		g.Go(func() error {
			for _, it := range group {
				if gctx.Err() != nil || !c.Online() {
					return nil
				}
				done := c.replayOne(gctx, replay, it)
				replayed.Add(1)
				if !done {
					return nil
				}
				removed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Replayed: int(replayed.Load()), Removed: int(removed.Load())}
	rep.Remaining, err = c.Pending(ctx)
	return rep, err
}

// replayOne reports whether the item reached a terminal outcome.
func (c *Coordinator) replayOne(ctx context.Context, replay ReplayFunc, it Item) bool {
	it.Attempt++
	if rec, ok := c.store.(AttemptRecorder); ok {
		if err := rec.SetAttempt(ctx, it.ID, it.Attempt); err != nil && !errors.Is(err, ErrNotFound) {
			c.logger.Warn(ctx, "sync attempt update failed",
				observe.F("request_id", it.ID),
				observe.F("error", err))
		}
	}

	started := time.Now()
	err := replay(ctx, it)
	c.sink.Emit(ctx, observe.Event{
		Type:      observe.EventReplayed,
		RequestID: it.ID,
		Provider:  it.Provider(),
		Priority:  it.Request.Priority.String(),
		Attempt:   it.Attempt,
		Duration:  time.Since(started),
		Err:       err,
	})
	if !fault.Terminal(err) {
		return false
	}

	rerr := c.remove.Execute(ctx, func(ctx context.Context) error {
		err := c.store.Remove(ctx, it.ID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	})
	if rerr != nil {
		// The item stays and replays again; delivery is at-least-once.
		c.logger.Error(ctx, "sync item removal failed",
			observe.F("request_id", it.ID),
			observe.F("error", rerr))
	}
	return true
}
