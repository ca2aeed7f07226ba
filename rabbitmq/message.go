package rabbitmq

import (
	"bytes"
	"context"
	"io"

	"github.com/rabbitmq/amqp091-go"

	"github.com/marcosimioni/messenger"
)

// delivery implements messenger.Delivery over an amqp091.Delivery.
type delivery struct {
	ctx   context.Context
	queue string
	amqp091.Delivery
}

// Context returns the attached ctx
func (m *delivery) Context() context.Context {
	return m.ctx
}

// Ack attempts to acknowledge a message.
func (m *delivery) Ack() error {
	return m.Delivery.Ack(false)
}

// Nack attempts to negatively acknowledge a message.
func (m *delivery) Nack(requeue bool) error {
	return m.Delivery.Nack(false, requeue)
}

// Body returns the message body as an io.Reader
func (m *delivery) Body() io.Reader {
	return bytes.NewReader(m.Delivery.Body)
}

// Redelivered whether the message has been redelivered previously.
func (m *delivery) Redelivered() bool {
	return m.Delivery.Redelivered
}

// Destination the queue the delivery was consumed from.
func (m *delivery) Destination() string {
	return m.queue
}

// Properties maps the AMQP basic properties.
func (m *delivery) Properties() messenger.Properties {
	return messenger.Properties{
		ContentType:   m.Delivery.ContentType,
		CorrelationID: m.Delivery.CorrelationId,
		ReplyTo:       m.Delivery.ReplyTo,
		MessageID:     m.Delivery.MessageId,
		Timestamp:     m.Delivery.Timestamp,
		Headers:       fromTable(m.Delivery.Headers),
		Persistent:    m.Delivery.DeliveryMode == amqp091.Persistent,
	}
}

// toPublishing maps a messenger publishing onto AMQP basic properties.
func toPublishing(p messenger.Publishing) amqp091.Publishing {
	mode := amqp091.Transient
	if p.Persistent {
		mode = amqp091.Persistent
	}
	return amqp091.Publishing{
		Headers:       toTable(p.Headers),
		ContentType:   p.ContentType,
		DeliveryMode:  mode,
		CorrelationId: p.CorrelationID,
		ReplyTo:       p.ReplyTo,
		MessageId:     p.MessageID,
		Timestamp:     p.Timestamp,
		Body:          p.Body,
	}
}
