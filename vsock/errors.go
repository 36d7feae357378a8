package vsock

import (
	"errors"
	"fmt"
)

var (
	// ErrBadActivate is returned when activation is attempted with the
	// wrong queue count, or the activation eventfd write fails.
	ErrBadActivate = errors.New("vsock: bad activate")

	// ErrNoData is returned by a Backend's RecvPkt to signal that no
	// inbound packet is currently available.
	ErrNoData = errors.New("vsock: no data available")

	// ErrBackpressure is returned by a Backend's SendPkt to signal that it
	// cannot currently accept an outbound packet.
	ErrBackpressure = errors.New("vsock: backend backpressure")
)

// EventFdError wraps a failed eventfd(2) creation.
type EventFdError struct {
	Err error
}

func (e *EventFdError) Error() string { return fmt.Sprintf("vsock: eventfd: %v", e.Err) }
func (e *EventFdError) Unwrap() error  { return e.Err }

// SignalUsedQueueError wraps a failed write to the interrupt eventfd.
type SignalUsedQueueError struct {
	Err error
}

func (e *SignalUsedQueueError) Error() string {
	return fmt.Sprintf("vsock: failed signaling used queue: %v", e.Err)
}
func (e *SignalUsedQueueError) Unwrap() error { return e.Err }
