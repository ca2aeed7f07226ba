package nats

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/marcosimioni/messenger"
)

// headers carrying the message properties, user headers travel next to them as is.
const (
	headerContentType   = "Messenger-Content-Type"
	headerCorrelationID = "Messenger-Correlation-Id"
	headerMessageID     = "Messenger-Message-Id"
	headerTimestamp     = "Messenger-Timestamp"
	headerPersistent    = "Messenger-Persistent"
)

var reserved = map[string]bool{
	headerContentType:   true,
	headerCorrelationID: true,
	headerMessageID:     true,
	headerTimestamp:     true,
	headerPersistent:    true,
}

// toMsg maps a publishing onto a nats message, the reply-to destination becomes the reply subject.
func toMsg(subj string, p messenger.Publishing) *nats.Msg {
	h := nats.Header{}
	for k, v := range p.Headers {
		h.Set(k, v)
	}
	set := func(k, v string) {
		if v != "" {
			h.Set(k, v)
		}
	}
	set(headerContentType, p.ContentType)
	set(headerCorrelationID, p.CorrelationID)
	set(headerMessageID, p.MessageID)
	if !p.Timestamp.IsZero() {
		h.Set(headerTimestamp, p.Timestamp.UTC().Format(time.RFC3339Nano))
	}
	if p.Persistent {
		h.Set(headerPersistent, strconv.FormatBool(true))
	}

	return &nats.Msg{Subject: subj, Reply: p.ReplyTo, Header: h, Data: p.Body}
}

// delivery represents a nats message received through a queue subscription.
type delivery struct {
	ctx   context.Context
	queue string
	msg   *nats.Msg
}

func (d *delivery) Context() context.Context { return d.ctx }

// Ack is a no-op, core nats delivers at most once.
func (d *delivery) Ack() error { return nil }

// Nack is a no-op, core nats cannot redeliver.
func (d *delivery) Nack(bool) error { return nil }

func (d *delivery) Body() io.Reader { return bytes.NewReader(d.msg.Data) }

func (d *delivery) Redelivered() bool { return false }

func (d *delivery) Destination() string { return d.queue }

// Properties reads the message properties back from the headers.
func (d *delivery) Properties() messenger.Properties {
	h := d.msg.Header
	p := messenger.Properties{
		ContentType:   h.Get(headerContentType),
		CorrelationID: h.Get(headerCorrelationID),
		MessageID:     h.Get(headerMessageID),
		ReplyTo:       d.msg.Reply,
		Persistent:    h.Get(headerPersistent) == "true",
	}
	if ts := h.Get(headerTimestamp); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			p.Timestamp = t
		}
	}

	for k, v := range h {
		if reserved[k] || len(v) == 0 {
			continue
		}
		if p.Headers == nil {
			p.Headers = make(map[string]string)
		}
		p.Headers[k] = v[0]
	}
	return p
}
