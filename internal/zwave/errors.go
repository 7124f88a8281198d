package zwave

import "errors"

// Error kinds surfaced to socket clients.
var (
	// ErrValidation is returned when a required field is missing or malformed.
	ErrValidation = errors.New("zwave: validation failed")

	// ErrNotReady is returned when an operation needs a Ready driver.
	ErrNotReady = errors.New("zwave: driver not ready")

	// ErrAlreadyStarted is returned by Start while Starting or Ready.
	ErrAlreadyStarted = errors.New("zwave: driver already started")

	// ErrNodeNotReady is returned when the target node has not finished its interview.
	ErrNodeNotReady = errors.New("zwave: node not ready")

	// ErrNotFound is returned for an unknown DSK or node id.
	ErrNotFound = errors.New("zwave: not found")

	// ErrUpstream is returned when the driver or a device rejected an operation.
	ErrUpstream = errors.New("zwave: upstream error")

	// ErrTimeout is returned when a bounded wait expired.
	ErrTimeout = errors.New("zwave: timed out")
)

// Kind returns the taxonomy name of err for logs and metric labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotReady), errors.Is(err, ErrAlreadyStarted), errors.Is(err, ErrNodeNotReady):
		return "state"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrUpstream):
		return "upstream"
	default:
		return "internal"
	}
}
