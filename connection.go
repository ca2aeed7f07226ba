package messenger

import (
	"io"
)

// Dialer represents a function which returns a connection and an error.
type Dialer func() (Connection, error)

// Error represents an error reported by the broker when it closes a connection or channel.
type Error interface {
	// Code returns the constant code from the protocol specification
	Code() int
	// Reason returns the description of the error
	Reason() string
	// Recover returns true when this error can be recovered by retrying later or with different parameters
	Recover() bool
	// FromServer returns true when initiated from the server, false when from this library
	FromServer() bool
}

// Notifier an interface for types which emit events.
type Notifier interface {
	// NotifyClose triggers the supplied function when a close happens
	// this is either a graceful close (triggered from the SDK) or a close
	// after the binding gave up reconnecting.
	// on a connection this will be triggered on both the connection and all the
	// channels
	// on a channel it will only trigger on the channel.
	NotifyClose(fn func())
	// NotifyReconnect triggers the supplied function when a reconnection
	// is successful.
	NotifyReconnect(fn func())
}

// Connection represents a broker connection.
//
// Typically it is one connection per process and one channel per concurrent user.
type Connection interface {
	io.Closer
	Notifier

	// Channel attempts to create a new channel to perform actions against.
	Channel() (Channel, error)
	// IsClosed determines if the connection is closed.
	IsClosed() bool
}
