package rabbitmq

import (
	"fmt"

	"github.com/rabbitmq/amqp091-go"

	"github.com/marcosimioni/messenger"
)

// notifier helper interface which wraps notification methods
// which are usually shared by different types.
type notifier interface {
	// NotifyClose the internal amqp091 function defined on both
	// channels and connections which set up notifications for errors.
	NotifyClose(rcv chan *amqp091.Error) chan *amqp091.Error
}

var _ messenger.Error = (*amqpError)(nil)

// amqpError represents a wrapped amqp091.Error
type amqpError struct {
	*amqp091.Error
}

// Code returns the AMQP error code.
func (a *amqpError) Code() int {
	return a.Error.Code
}

// Reason returns the error description
func (a *amqpError) Reason() string {
	return a.Error.Reason
}

// Recover whether the error is recoverable.
func (a *amqpError) Recover() bool {
	return a.Error.Recover
}

// FromServer whether the close originated from the client or server.
func (a *amqpError) FromServer() bool {
	return a.Error.Server
}

// closeReason describes an unexpected close for the logs.
func closeReason(source string, e messenger.Error) error {
	origin := "client"
	if e.FromServer() {
		origin = "server"
	}
	return fmt.Errorf("rabbitmq: %s closed by %s (code=%d, recoverable=%t): %s",
		source, origin, e.Code(), e.Recover(), e.Reason())
}
