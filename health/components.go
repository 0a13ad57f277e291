package health

import (
	"context"
	"fmt"

	"github.com/jonwraymond/infergate/queue"
	"github.com/jonwraymond/infergate/resilience"
)

// BreakerSource exposes per-provider breaker state. *resilience.Breakers
// satisfies it.
type BreakerSource interface {
	Snapshot() []resilience.Health
}

// BreakerChecker reports provider availability from circuit breakers.
// Any open or half-open breaker degrades the result; all providers open is
// unhealthy.
type BreakerChecker struct {
	source BreakerSource
}

// NewBreakerChecker creates a checker over source.
func NewBreakerChecker(source BreakerSource) *BreakerChecker {
	return &BreakerChecker{source: source}
}

// Name returns "providers".
func (c *BreakerChecker) Name() string { return "providers" }

// Check inspects every known breaker.
func (c *BreakerChecker) Check(ctx context.Context) Result {
	if err := ctx.Err(); err != nil {
		return Unhealthy("context cancelled", err)
	}
	snap := c.source.Snapshot()
	if len(snap) == 0 {
		return Healthy("no provider traffic yet")
	}

	details := make(map[string]any, len(snap))
	unavailable := 0
	for _, h := range snap {
		details[h.Provider] = h.StateName
		if h.State != resilience.StateClosed {
			unavailable++
		}
	}

	var r Result
	switch {
	case unavailable == 0:
		r = Healthy("all providers closed")
	case unavailable == len(snap):
		r = Unhealthy("all providers unavailable", ErrCheckFailed)
	default:
		r = Degraded(fmt.Sprintf("%d of %d providers unavailable", unavailable, len(snap)))
	}
	return r.WithDetails(details)
}

// QueueCheckerConfig configures a QueueChecker.
type QueueCheckerConfig struct {
	// DegradedRatio is the admitted/capacity ratio at which the queue is
	// reported degraded. Default: 0.8
	DegradedRatio float64
}

// QueueChecker reports dispatch queue saturation. A full queue is unhealthy.
type QueueChecker struct {
	stats  func() queue.Stats
	config QueueCheckerConfig
}

// NewQueueChecker creates a checker reading stats on every check.
func NewQueueChecker(stats func() queue.Stats, config QueueCheckerConfig) *QueueChecker {
	if config.DegradedRatio <= 0 || config.DegradedRatio > 1 {
		config.DegradedRatio = 0.8
	}
	return &QueueChecker{stats: stats, config: config}
}

// Name returns "queue".
func (c *QueueChecker) Name() string { return "queue" }

// Check compares admitted jobs against capacity.
func (c *QueueChecker) Check(ctx context.Context) Result {
	if err := ctx.Err(); err != nil {
		return Unhealthy("context cancelled", err)
	}
	s := c.stats()
	details := map[string]any{
		"capacity": s.Capacity,
		"admitted": s.Admitted,
		"pending":  s.Pending,
		"running":  s.Running,
	}
	if s.Capacity <= 0 {
		return Healthy("queue unbounded").WithDetails(details)
	}

	ratio := float64(s.Admitted) / float64(s.Capacity)
	details["utilization"] = ratio
	msg := fmt.Sprintf("%d/%d admitted", s.Admitted, s.Capacity)

	switch {
	case s.Admitted >= s.Capacity:
		return Unhealthy("queue full: "+msg, ErrCheckFailed).WithDetails(details)
	case ratio >= c.config.DegradedRatio:
		return Degraded("queue near capacity: " + msg).WithDetails(details)
	default:
		return Healthy(msg).WithDetails(details)
	}
}

// BacklogSource exposes the persisted-request backlog.
// *backsync.Coordinator satisfies it.
type BacklogSource interface {
	Online() bool
	Pending(ctx context.Context) (int, error)
}

// BacklogCheckerConfig configures a BacklogChecker.
type BacklogCheckerConfig struct {
	// MaxPending is the backlog size above which the checker reports
	// degraded while online. Zero disables the threshold.
	MaxPending int
}

// BacklogChecker reports connectivity and the size of the replay backlog.
// Offline is degraded: requests are still accepted and persisted. A store
// that cannot be read is unhealthy.
type BacklogChecker struct {
	source BacklogSource
	config BacklogCheckerConfig
}

// NewBacklogChecker creates a checker over source.
func NewBacklogChecker(source BacklogSource, config BacklogCheckerConfig) *BacklogChecker {
	return &BacklogChecker{source: source, config: config}
}

// Name returns "backlog".
func (c *BacklogChecker) Name() string { return "backlog" }

// Check reads the backlog size.
func (c *BacklogChecker) Check(ctx context.Context) Result {
	n, err := c.source.Pending(ctx)
	if err != nil {
		return Unhealthy("backlog store unavailable", err)
	}
	online := c.source.Online()
	details := map[string]any{"pending": n, "online": online}

	switch {
	case !online:
		return Degraded(fmt.Sprintf("offline, %d requests persisted", n)).WithDetails(details)
	case c.config.MaxPending > 0 && n > c.config.MaxPending:
		return Degraded(fmt.Sprintf("%d requests awaiting replay", n)).WithDetails(details)
	default:
		return Healthy(fmt.Sprintf("%d requests awaiting replay", n)).WithDetails(details)
	}
}

var (
	_ Checker = (*BreakerChecker)(nil)
	_ Checker = (*QueueChecker)(nil)
	_ Checker = (*BacklogChecker)(nil)
)
