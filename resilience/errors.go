package resilience

import "errors"

// ErrBulkheadFull is returned when the bulkhead is at capacity.
// Circuit and timeout failures are reported as *fault.Error instead.
var ErrBulkheadFull = errors.New("resilience: bulkhead at capacity")
