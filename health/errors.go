package health

import "errors"

var (
	// ErrCheckFailed is the cause attached to an unhealthy component result.
	ErrCheckFailed = errors.New("health: component unavailable")

	// ErrCheckTimeout marks a check that outlived the aggregator's budget.
	ErrCheckTimeout = errors.New("health: check exceeded its time budget")

	// ErrCheckerNotFound is returned for an unregistered component name.
	ErrCheckerNotFound = errors.New("health: no such component")
)
