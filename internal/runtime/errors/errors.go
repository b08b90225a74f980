// Package errors defines the error taxonomy surfaced by the Nimbus runtime.
package errors

import (
	sterrors "errors"
	"fmt"
	"strings"
	"time"
)

// Sentinels for registration and call-site validation.
var (
	ErrBusRequired             = sterrors.New("nimbus: bus is required")
	ErrHandlerRequired         = sterrors.New("nimbus: handler function is required")
	ErrBusAlreadyStarted       = sterrors.New("nimbus: bus is already started")
	ErrBusNotStarted           = sterrors.New("nimbus: bus is not started")
	ErrBusClosed               = sterrors.New("nimbus: bus is closed")
	ErrResolverRequired        = sterrors.New("nimbus: dependency resolver is required")
	ErrPayloadRequired         = sterrors.New("nimbus: message payload is required")
	ErrDuplicateRequestHandler = sterrors.New("nimbus: a request type can have exactly one handler")
	ErrNoReplyTo               = sterrors.New("nimbus: request envelope has no reply-to path")
)

// ErrTimeout is the root of every deadline failure; match with errors.Is.
var ErrTimeout = sterrors.New("nimbus: timed out")

// ErrCancelled signals that an in-flight request was cancelled by the caller.
var ErrCancelled = sterrors.New("nimbus: request cancelled")

// UnknownMessageTypeError is raised when a message type was never registered
// with the bus. Never retried.
type UnknownMessageTypeError struct {
	TypeName string
}

func (e *UnknownMessageTypeError) Error() string {
	return fmt.Sprintf("nimbus: unknown message type %q", e.TypeName)
}

// SerializationError wraps a failure to build or decode an envelope payload.
type SerializationError struct {
	TypeName string
	Err      error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("nimbus: failed to serialize %s: %v", e.TypeName, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// EntityCreationError is raised once entity-creation retries are exhausted.
type EntityCreationError struct {
	Kind       string // "queue", "topic", or "subscription"
	Path       string
	RetryCount int
	Err        error
}

func (e *EntityCreationError) Error() string {
	return fmt.Sprintf("nimbus: failed to create %s %q after %d attempts: %v", e.Kind, e.Path, e.RetryCount, e.Err)
}

func (e *EntityCreationError) Unwrap() error { return e.Err }

// TimeoutError reports a missed deadline on a request or bulk fetch. It
// matches ErrTimeout via errors.Is.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("nimbus: %s timed out after %s", e.Op, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// RemoteFaultError is raised when a reply envelope carried a fault marker.
// Details holds the serialized remote error data verbatim.
type RemoteFaultError struct {
	Message string
	Details string
}

func (e *RemoteFaultError) Error() string {
	return fmt.Sprintf("nimbus: request failed remotely: %s", e.Message)
}

// CompositeDispatchError aggregates the individual handler failures of an
// event fan-out. All handlers ran; these are the ones that failed.
type CompositeDispatchError struct {
	Errors []error
}

func (e *CompositeDispatchError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("nimbus: %d handler(s) failed: %s", len(e.Errors), strings.Join(msgs, "; "))
}

func (e *CompositeDispatchError) Unwrap() []error { return e.Errors }
