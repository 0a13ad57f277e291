package observe

import "errors"

// Config errors returned by Config.Validate.
var (
	ErrMissingServiceName     = errors.New("observe: service name is required")
	ErrInvalidSamplePct       = errors.New("observe: sample percentage must be between 0.0 and 1.0")
	ErrInvalidTracingExporter = errors.New("observe: invalid tracing exporter")
	ErrInvalidMetricsExporter = errors.New("observe: invalid metrics exporter")
	ErrInvalidLogLevel        = errors.New("observe: invalid log level")
)

// RedactedFields lists field keys whose values never reach the log output.
// Request and response payloads carry prompts and completions.
var RedactedFields = []string{
	"payload",
	"response",
	"prompt",
	"completion",
	"api_key",
	"authorization",
	"x-api-key",
	"token",
	"secret",
}
