package messenger

import (
	"context"
	"io"
)

// Delivery represents an inbound message.
type Delivery interface {
	// Context returns a scoped context for this specific delivery.
	Context() context.Context
	// Ack attempts to acknowledge that we have processed the message
	Ack() error
	// Nack attempts to acknowledge that we failed processing the message
	Nack(requeue bool) error
	// Body returns the message body as a reader.
	Body() io.Reader
	// Redelivered whether the message has been redelivered previously.
	Redelivered() bool
	// Destination the queue, subject or topic the message was consumed from.
	Destination() string
	// Properties the metadata the message was published with.
	Properties() Properties
}

// Queue represents a single declared queue instance.
type Queue interface {
	// Name returns the name of the queue.
	Name() string
	// Bind attempts to bind this queue to an exchange based on the supplied routing key.
	Bind(ctx context.Context, exchange, routingKey string) error
	// Consume starts consuming messages from a queue, inbound messages are sent to the returned channel.
	Consume(ctx context.Context, consumerName string, autoAck, exclusive bool) (deliveries <-chan Delivery, cancel CancelFunc, err error)
}
