package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/jonwraymond/infergate/fault"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed means the circuit is operating normally.
	StateClosed State = iota
	// StateOpen means the circuit is blocking all requests.
	StateOpen
	// StateHalfOpen means the circuit is admitting a single probe.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies the guarded provider in errors and callbacks.
	Name string

	// MaxFailures is the number of consecutive failures within Window that
	// opens the circuit.
	// Default: 5
	MaxFailures int

	// Window bounds how far apart the counted failures may be. Failures
	// older than Window no longer count toward MaxFailures.
	// Default: 1 minute
	Window time.Duration

	// ResetTimeout is the base cooldown before an open circuit admits a probe.
	// Default: 30 seconds
	ResetTimeout time.Duration

	// MaxResetTimeout caps the cooldown, which doubles each time a probe fails.
	// Default: 5 minutes
	MaxResetTimeout time.Duration

	// OnStateChange is called after the circuit state changes, outside the
	// breaker's lock.
	OnStateChange func(name string, from, to State)

	// IsFailure determines if an error should count as a failure.
	// Default: fault.BreakerFailure
	IsFailure func(err error) bool
}

// Health is a point-in-time view of a breaker.
type Health struct {
	Provider            string        `json:"provider"`
	State               State         `json:"-"`
	StateName           string        `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastFailure         time.Time     `json:"last_failure,omitzero"`
	OpenUntil           time.Time     `json:"open_until,omitzero"`
	Cooldown            time.Duration `json:"cooldown"`
}

type transition struct {
	from, to State
}

// CircuitBreaker gates calls to one provider.
//
// Closed admits every call. MaxFailures consecutive failures within Window
// open it. Once the cooldown elapses it turns half-open and admits exactly
// one probe: success closes it and resets the cooldown, failure reopens it
// with the cooldown doubled up to MaxResetTimeout.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	now    func() time.Time

	mu            sync.Mutex
	state         State
	failures      []time.Time
	lastFailure   time.Time
	openUntil     time.Time
	cooldown      time.Duration
	probeInFlight bool
	pending       []transition
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.MaxResetTimeout <= 0 {
		config.MaxResetTimeout = 5 * time.Minute
	}
	if config.MaxResetTimeout < config.ResetTimeout {
		config.MaxResetTimeout = config.ResetTimeout
	}
	if config.IsFailure == nil {
		config.IsFailure = fault.BreakerFailure
	}

	return &CircuitBreaker{
		config:   config,
		now:      time.Now,
		state:    StateClosed,
		cooldown: config.ResetTimeout,
	}
}

// Name returns the provider name the breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Check reports whether a call would currently be admitted, without
// reserving the half-open probe.
func (cb *CircuitBreaker) Check() error {
	cb.mu.Lock()
	state := cb.currentStateLocked()
	blocked := state == StateOpen || (state == StateHalfOpen && cb.probeInFlight)
	cb.unlockAndNotify()

	if blocked {
		return fault.CircuitOpen(cb.config.Name)
	}
	return nil
}

// Allow admits a call or fails fast with a circuit-open error. In half-open
// state the first caller takes the probe slot; every admitted call must be
// followed by Record.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	state := cb.currentStateLocked()

	var err error
	switch state {
	case StateOpen:
		err = fault.CircuitOpen(cb.config.Name)
	case StateHalfOpen:
		if cb.probeInFlight {
			err = fault.CircuitOpen(cb.config.Name)
		} else {
			cb.probeInFlight = true
		}
	}
	cb.unlockAndNotify()
	return err
}

// Record reports the outcome of a call admitted by Allow.
//
// Outcomes that IsFailure rejects but that are not successes (4xx,
// cancellation) leave the state untouched; in half-open they only release
// the probe slot.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	now := cb.now()
	isFailure := err != nil && cb.config.IsFailure(err)

	switch cb.currentStateLocked() {
	case StateClosed:
		switch {
		case isFailure:
			cb.lastFailure = now
			cb.failures = append(cb.pruneLocked(now), now)
			if len(cb.failures) >= cb.config.MaxFailures {
				cb.openLocked(now, cb.config.ResetTimeout)
			}
		case err == nil:
			cb.failures = cb.failures[:0]
		}

	case StateHalfOpen:
		cb.probeInFlight = false
		switch {
		case isFailure:
			cb.lastFailure = now
			cb.openLocked(now, min(cb.cooldown*2, cb.config.MaxResetTimeout))
		case err == nil:
			cb.failures = cb.failures[:0]
			cb.cooldown = cb.config.ResetTimeout
			cb.setStateLocked(StateClosed)
		}

	case StateOpen:
		// A call admitted before the circuit opened; its outcome is stale.
		if isFailure {
			cb.lastFailure = now
		}
	}
	cb.unlockAndNotify()
}

// Execute runs the operation through the circuit breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}

	err := op(ctx)
	cb.Record(err)
	return err
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	state := cb.currentStateLocked()
	cb.unlockAndNotify()
	return state
}

// Health returns a snapshot of the breaker.
func (cb *CircuitBreaker) Health() Health {
	cb.mu.Lock()
	state := cb.currentStateLocked()
	h := Health{
		Provider:            cb.config.Name,
		State:               state,
		StateName:           state.String(),
		ConsecutiveFailures: len(cb.pruneLocked(cb.now())),
		LastFailure:         cb.lastFailure,
		Cooldown:            cb.cooldown,
	}
	if state == StateOpen {
		h.OpenUntil = cb.openUntil
	}
	cb.unlockAndNotify()
	return h
}

// Reset resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failures = cb.failures[:0]
	cb.cooldown = cb.config.ResetTimeout
	cb.openUntil = time.Time{}
	cb.probeInFlight = false
	cb.setStateLocked(StateClosed)
	cb.unlockAndNotify()
}

func (cb *CircuitBreaker) currentStateLocked() State {
	if cb.state == StateOpen && !cb.now().Before(cb.openUntil) {
		cb.probeInFlight = false
		cb.setStateLocked(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) openLocked(now time.Time, cooldown time.Duration) {
	cb.cooldown = cooldown
	cb.openUntil = now.Add(cooldown)
	cb.setStateLocked(StateOpen)
}

// pruneLocked drops failures that fell out of the window.
func (cb *CircuitBreaker) pruneLocked(now time.Time) []time.Time {
	cutoff := now.Add(-cb.config.Window)
	i := 0
	for i < len(cb.failures) && cb.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		cb.failures = append(cb.failures[:0], cb.failures[i:]...)
	}
	return cb.failures
}

func (cb *CircuitBreaker) setStateLocked(state State) {
	if cb.state == state {
		return
	}
	cb.pending = append(cb.pending, transition{from: cb.state, to: state})
	cb.state = state
}

// unlockAndNotify releases the lock and then reports queued transitions.
func (cb *CircuitBreaker) unlockAndNotify() {
	pending := cb.pending
	cb.pending = nil
	cb.mu.Unlock()

	if cb.config.OnStateChange == nil {
		return
	}
	for _, t := range pending {
		cb.config.OnStateChange(cb.config.Name, t.from, t.to)
	}
}
