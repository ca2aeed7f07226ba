package kafka

import (
	"bytes"
	"context"
	"io"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/marcosimioni/messenger"
)

// record headers carrying the message properties.
const (
	headerContentType   = "messenger-content-type"
	headerCorrelationID = "messenger-correlation-id"
	headerReplyTo       = "messenger-reply-to"
	headerMessageID     = "messenger-message-id"
	headerPersistent    = "messenger-persistent"
)

// toRecord maps a publishing onto a record. The default exchange produces to the routing key
// topic, any other exchange produces to its own topic keyed by the routing key.
func toRecord(exchange, routingKey string, p messenger.Publishing) *kgo.Record {
	r := &kgo.Record{Topic: routingKey, Value: p.Body, Timestamp: p.Timestamp}
	if exchange != "" {
		r.Topic = exchange
		r.Key = []byte(routingKey)
	}

	add := func(k, v string) {
		if v != "" {
			r.Headers = append(r.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}
	add(headerContentType, p.ContentType)
	add(headerCorrelationID, p.CorrelationID)
	add(headerReplyTo, p.ReplyTo)
	add(headerMessageID, p.MessageID)
	if p.Persistent {
		add(headerPersistent, strconv.FormatBool(true))
	}
	for k, v := range p.Headers {
		add(k, v)
	}
	return r
}

// delivery a record consumed for a queue.
type delivery struct {
	ctx     context.Context
	queue   string
	commits *commits
	record  *kgo.Record
}

func (d *delivery) Context() context.Context { return d.ctx }

// Ack settles the record, its offset is committed for the queue's consumer group once every
// earlier record of the partition is settled.
func (d *delivery) Ack() error {
	return d.commits.settle(context.Background(), d.record)
}

// Nack without requeue settles the record so it is skipped. With requeue the record stays
// unsettled, holding back the commits of its partition, and comes back once the group
// rebalances.
func (d *delivery) Nack(requeue bool) error {
	if requeue {
		return nil
	}
	return d.Ack()
}

func (d *delivery) Body() io.Reader { return bytes.NewReader(d.record.Value) }

func (d *delivery) Redelivered() bool { return false }

func (d *delivery) Destination() string { return d.queue }

// Properties reads the message properties back from the record headers.
func (d *delivery) Properties() messenger.Properties {
	p := messenger.Properties{Timestamp: d.record.Timestamp}
	for _, h := range d.record.Headers {
		v := string(h.Value)
		switch h.Key {
		case headerContentType:
			p.ContentType = v
		case headerCorrelationID:
			p.CorrelationID = v
		case headerReplyTo:
			p.ReplyTo = v
		case headerMessageID:
			p.MessageID = v
		case headerPersistent:
			p.Persistent = v == "true"
		default:
			if p.Headers == nil {
				p.Headers = make(map[string]string)
			}
			p.Headers[h.Key] = v
		}
	}
	return p
}
