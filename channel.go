package messenger

import (
	"context"
	"io"
	"time"
)

// ExchangeType represents a type of exchange.
type ExchangeType string

const (
	// ExchangeTypeDirect represents a direct exchange
	// this is where a message is posted to bound queues where the routing key matches exactly.
	ExchangeTypeDirect ExchangeType = "direct"
	// ExchangeTypeFanout represents a fanout exchange
	// this is where the routing key is ignored and all bound queues receive a copy of the message.
	ExchangeTypeFanout ExchangeType = "fanout"
	// ExchangeTypeTopic represents a topic exchange
	// this extends on top of a direct exchange by allowing the routing key to be pattern based rather
	// than having to match exactly.
	ExchangeTypeTopic ExchangeType = "topic"
)

// CancelFunc a function which can be used to cancel an active consume
// this is safe to be called concurrently.
type CancelFunc = func()

// Properties the metadata carried next to a message body.
type Properties struct {
	ContentType   string
	CorrelationID string
	ReplyTo       string
	MessageID     string
	Timestamp     time.Time
	Headers       map[string]string
	// Persistent asks the broker to store the message durably.
	Persistent bool
}

// Publishing a message as it is handed to a broker.
type Publishing struct {
	Properties
	Body []byte
}

// Channel represents a single broker channel.
//
// A channel is described as a lightweight connection which can be spawned from a single connection.
// We can have n number of channels on the same Connection. All broker operations are derived from a
// Channel rather than the connection itself.
type Channel interface {
	io.Closer
	Notifier

	// QoS sets the prefetch count and size on a channel. This effectively limits how many messages
	// can be passed to a consumer to process at once.
	QoS(ctx context.Context, count, size int64, global bool) error
	// CreateQueue attempts to declare a queue, returning the generated queue to use.
	// an empty name asks the broker to generate one.
	CreateQueue(ctx context.Context, name string, durable, autoDelete, exclusive bool) (Queue, error)
	// BindQueue attempts to bind a queue to an exchange.
	BindQueue(ctx context.Context, queue, exchange, routingKey string) error
	// CreateExchange attempts to declare an exchange.
	CreateExchange(ctx context.Context, name string, typ ExchangeType, durable, autoDelete bool) error
	// Publish attempts to publish a message to an exchange using the supplied routing key.
	// if the exchange is empty, the default exchange defined by the broker will be used
	// which effectively routes the message to a queue with exactly the same name as the routing key.
	// Publish returns once the broker has accepted the message.
	Publish(ctx context.Context, exchange, routingKey string, p Publishing) error
	// Consume starts consuming messages from a queue, inbound messages are sent to the returned channel.
	// the returned channel is closed once the consume is cancelled or the channel is closed for good.
	Consume(ctx context.Context, queue, consumerName string, autoAck, exclusive bool) (deliveries <-chan Delivery, cancel CancelFunc, err error)
	// IsClosed determines if the channel is closed.
	IsClosed() bool
}
