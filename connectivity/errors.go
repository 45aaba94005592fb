package connectivity

import (
	"fmt"
	"time"
)

// ErrCallTimeout is returned when a call exceeds the Timeout middleware's bound.
type ErrCallTimeout struct {
	Service string
	After   time.Duration
}

func (e *ErrCallTimeout) Error() string {
	return fmt.Sprintf("connectivity: call timeout: %s after %s", e.Service, e.After)
}

// ErrCircuitOpen is returned when the circuit breaker for a service is open,
// rejecting the call without attempting the remote handler.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Service)
}

// ErrPanic wraps a recovered panic value as an error.
type ErrPanic struct {
	Value any
}

func (e *ErrPanic) Error() string {
	return fmt.Sprintf("connectivity: handler panicked: %v", e.Value)
}
