package messenger

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the client core matches exactly one of these
// with errors.Is.
var (
	// ErrConnection the broker was unreachable or rejected the credentials.
	ErrConnection = errors.New("messenger: connection error")
	// ErrTransport a transient failure talking to the broker, or the connection is not usable right now.
	ErrTransport = errors.New("messenger: transport error")
	// ErrSerialization the message could not be encoded or decoded.
	ErrSerialization = errors.New("messenger: serialization error")
	// ErrTimeout no reply arrived before the request deadline.
	ErrTimeout = errors.New("messenger: request timed out")
	// ErrCancelled the operation was abandoned because the client shut down.
	ErrCancelled = errors.New("messenger: cancelled")
)

// OpError describes a failed operation, Kind is one of the error kinds above.
type OpError struct {
	Kind        error  // Kind the error kind, matched by errors.Is
	Op          string // Op the operation that failed, i.e. "publish"
	Destination string // Destination the queue or routing key involved, if any
	Err         error  // Err the underlying error, may be nil
}

// NewError helper to build an *OpError.
func NewError(kind error, op, destination string, err error) *OpError {
	return &OpError{Kind: kind, Op: op, Destination: destination, Err: err}
}

func (e *OpError) Error() string {
	msg := e.Kind.Error() + ": " + e.Op
	if e.Destination != "" {
		msg += fmt.Sprintf(" %q", e.Destination)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *OpError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the kind of this error.
func (e *OpError) Is(target error) bool {
	return target == e.Kind
}

// IsRetryable determines whether an error is transient and the operation may be attempted again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	for _, fatal := range []error{ErrConnection, ErrSerialization, ErrTimeout, ErrCancelled} {
		if errors.Is(err, fatal) {
			return false
		}
	}
	return errors.Is(err, ErrTransport)
}
