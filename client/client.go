package client

import (
	"context"

	"github.com/marcosimioni/messenger"
)

// Client bundles a Manager with the components built on it.
type Client struct {
	Manager    *Manager
	Publisher  *Publisher
	Consumer   *Consumer
	Correlator *Correlator
}

// Open connects to the broker and wires a publisher, consumer and correlator over the connection.
func Open(ctx context.Context, dialer messenger.Dialer, opts ...Option) (*Client, error) {
	m, err := Connect(ctx, dialer, opts...)
	if err != nil {
		return nil, err
	}

	publisher := NewPublisher(m)
	consumer := NewConsumer(m)
	correlator, err := NewCorrelator(ctx, m, publisher, consumer, m.opts.correlator...)
	if err != nil {
		_ = m.Close()
		return nil, err
	}

	return &Client{
		Manager:    m,
		Publisher:  publisher,
		Consumer:   consumer,
		Correlator: correlator,
	}, nil
}

// Publish shorthand for c.Publisher.Publish.
func (c *Client) Publish(ctx context.Context, msg messenger.Message) error {
	return c.Publisher.Publish(ctx, msg)
}

// Close closes the underlying manager.
func (c *Client) Close() error {
	return c.Manager.Close()
}
