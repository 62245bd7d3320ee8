package proxywasm

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks a root whose configuration was rejected. The
	// module does not activate and the host applies its failure policy.
	ErrConfiguration = errors.New("configuration error")

	// ErrProtocolDesync is the parent of every error caused by the host
	// referring to a context id the guest does not agree on.
	ErrProtocolDesync = errors.New("protocol desync")

	// ErrDuplicateID is returned when the host creates a context under an id
	// that is still live.
	ErrDuplicateID = fmt.Errorf("%w: duplicate context id", ErrProtocolDesync)

	// ErrUnknownID is returned when the host calls back into an id that is
	// not live, typically after it was deleted.
	ErrUnknownID = fmt.Errorf("%w: unknown context id", ErrProtocolDesync)

	// ErrInactiveRoot is returned when a stream is requested from a root that
	// never configured successfully or does not produce http contexts.
	ErrInactiveRoot = errors.New("root context is not active")

	// ErrPhaseOrder is returned when a phase callback arrives out of the
	// stream lifecycle order.
	ErrPhaseOrder = errors.New("phase out of order")

	// ErrCallbackTimeout is reported by hosts when a callback exceeded its
	// wall-clock bound.
	ErrCallbackTimeout = errors.New("callback timeout")
)

// StatusError is a non-OK status returned by a host call.
type StatusError struct {
	Call   string
	Status Status
}

func (e *StatusError) Error() string {
	return e.Call + ": " + e.Status.String()
}

// StatusToError converts a host call status into an error. StatusOK yields nil.
func StatusToError(call string, s Status) error {
	if s == StatusOK {
		return nil
	}
	return &StatusError{Call: call, Status: s}
}

// IsNotFound reports whether err is a host call that found nothing.
func IsNotFound(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status == StatusNotFound || se.Status == StatusEmpty
	}
	return false
}

// PanicError carries a panic raised by guest code while handling a callback.
type PanicError struct {
	ID       ContextID
	Callback string
	Value    any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s for context %d: %v", e.Callback, e.ID, e.Value)
}
