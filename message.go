package messenger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// MaxPayloadSize the largest body Marshal accepts, 128 MiB being the default frame ceiling
// of most brokers.
var MaxPayloadSize = 128 << 20

// Message an outbound or inbound message.
//
// A Message is immutable once constructed, the With* methods return modified copies.
type Message struct {
	destination   string
	exchange      string
	payload       []byte
	correlationID string
	replyTo       string
	messageID     string
	contentType   string
	headers       map[string]string
	timestamp     time.Time
	persistent    bool
}

// MessageOption configures a message on construction.
type MessageOption func(*Message)

// WithExchange routes the message through the named exchange, using the destination as routing key.
func WithExchange(exchange string) MessageOption {
	return func(m *Message) { m.exchange = exchange }
}

// WithContentType sets the content type, when unset the publisher detects it from the payload.
func WithContentType(contentType string) MessageOption {
	return func(m *Message) { m.contentType = contentType }
}

// WithHeader adds a single header.
func WithHeader(key, value string) MessageOption {
	return func(m *Message) {
		if m.headers == nil {
			m.headers = make(map[string]string)
		}
		m.headers[key] = value
	}
}

// WithMessageID sets the message id.
func WithMessageID(id string) MessageOption {
	return func(m *Message) { m.messageID = id }
}

// WithTimestamp overrides the construction time.
func WithTimestamp(ts time.Time) MessageOption {
	return func(m *Message) { m.timestamp = ts }
}

// WithTransient marks the message as not requiring durable storage on the broker.
func WithTransient() MessageOption {
	return func(m *Message) { m.persistent = false }
}

// NewMessage builds a persistent message for the destination.
func NewMessage(destination string, payload []byte, opts ...MessageOption) Message {
	m := Message{
		destination: destination,
		payload:     append([]byte(nil), payload...),
		timestamp:   time.Now().UTC(),
		persistent:  true,
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// NewJSONMessage builds a message whose payload is the JSON encoding of v.
func NewJSONMessage(destination string, v any, opts ...MessageOption) (Message, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Message{}, NewError(ErrSerialization, "encode json", destination, err)
	}
	return NewMessage(destination, b, append([]MessageOption{WithContentType("application/json")}, opts...)...), nil
}

func (m Message) Destination() string   { return m.destination }
func (m Message) Exchange() string      { return m.exchange }
func (m Message) CorrelationID() string { return m.correlationID }
func (m Message) ReplyTo() string       { return m.replyTo }
func (m Message) MessageID() string     { return m.messageID }
func (m Message) ContentType() string   { return m.contentType }
func (m Message) Timestamp() time.Time  { return m.timestamp }
func (m Message) Persistent() bool      { return m.persistent }

// Payload returns a copy of the message body.
func (m Message) Payload() []byte { return append([]byte(nil), m.payload...) }

// Headers returns a copy of the message headers.
func (m Message) Headers() map[string]string { return copyHeaders(m.headers) }

// Header returns a single header value.
func (m Message) Header(key string) string { return m.headers[key] }

// WithCorrelationID returns a copy of the message carrying the correlation id.
func (m Message) WithCorrelationID(id string) Message {
	m.correlationID = id
	m.headers = copyHeaders(m.headers)
	return m
}

// WithReplyTo returns a copy of the message carrying the reply-to destination.
func (m Message) WithReplyTo(destination string) Message {
	m.replyTo = destination
	m.headers = copyHeaders(m.headers)
	return m
}

// WithContentType returns a copy of the message carrying the content type.
func (m Message) WithContentType(contentType string) Message {
	m.contentType = contentType
	m.headers = copyHeaders(m.headers)
	return m
}

// DecodeJSON decodes the payload into v.
func (m Message) DecodeJSON(v any) error {
	if err := json.Unmarshal(m.payload, v); err != nil {
		return NewError(ErrSerialization, "decode json", m.destination, err)
	}
	return nil
}

// String implements fmt.Stringer without dumping the payload.
func (m Message) String() string {
	return fmt.Sprintf("message{destination=%q correlation=%q reply_to=%q bytes=%d}",
		m.destination, m.correlationID, m.replyTo, len(m.payload))
}

// Envelope a message in the shape brokers transport it, an exchange and routing key plus a publishing.
type Envelope struct {
	Exchange   string
	RoutingKey string
	Publishing
}

// Marshal maps a message onto its wire envelope.
//
// the body is the raw payload, every other attribute travels as broker metadata.
func Marshal(m Message) (Envelope, error) {
	if m.destination == "" {
		return Envelope{}, NewError(ErrSerialization, "encode", "", errors.New("message has no destination"))
	}
	if len(m.payload) > MaxPayloadSize {
		return Envelope{}, NewError(ErrSerialization, "encode", m.destination,
			fmt.Errorf("payload of %d bytes exceeds the %d byte limit", len(m.payload), MaxPayloadSize))
	}
	for k := range m.headers {
		if k == "" {
			return Envelope{}, NewError(ErrSerialization, "encode", m.destination, errors.New("empty header key"))
		}
	}

	return Envelope{
		Exchange:   m.exchange,
		RoutingKey: m.destination,
		Publishing: Publishing{
			Properties: Properties{
				ContentType:   m.contentType,
				CorrelationID: m.correlationID,
				ReplyTo:       m.replyTo,
				MessageID:     m.messageID,
				Timestamp:     m.timestamp,
				Headers:       copyHeaders(m.headers),
				Persistent:    m.persistent,
			},
			Body: append([]byte(nil), m.payload...),
		},
	}, nil
}

// Unmarshal maps a wire envelope back onto a message.
func Unmarshal(e Envelope) (Message, error) {
	if e.RoutingKey == "" {
		return Message{}, NewError(ErrSerialization, "decode", "", errors.New("envelope has no routing key"))
	}
	return Message{
		destination:   e.RoutingKey,
		exchange:      e.Exchange,
		payload:       append([]byte(nil), e.Body...),
		correlationID: e.CorrelationID,
		replyTo:       e.ReplyTo,
		messageID:     e.MessageID,
		contentType:   e.ContentType,
		headers:       copyHeaders(e.Headers),
		timestamp:     e.Timestamp,
		persistent:    e.Persistent,
	}, nil
}

// FromDelivery reads an inbound delivery into a message.
func FromDelivery(d Delivery) (Message, error) {
	body, err := io.ReadAll(d.Body())
	if err != nil {
		return Message{}, NewError(ErrSerialization, "read body", d.Destination(), err)
	}
	return Unmarshal(Envelope{
		RoutingKey: d.Destination(),
		Publishing: Publishing{Properties: d.Properties(), Body: body},
	})
}

func copyHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	c := make(map[string]string, len(h))
	for k, v := range h {
		c[k] = v
	}
	return c
}
