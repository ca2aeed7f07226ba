// Package kafka binds the messenger transport interfaces to Kafka through franz-go.
//
// A queue is a topic consumed by a consumer group named after the queue, so consumers of one
// queue share its partitions. Publishing through an exchange produces to the exchange topic
// with the routing key as record key, bound queues also consume the exchange topic and skip
// records whose key does not match their binding. Acknowledging commits the record offset.
package kafka

import (
	"context"
	"errors"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/marcosimioni/messenger"
	"github.com/marcosimioni/messenger/internal/logging"
)

// ErrClosed returned when operating on a closed connection or channel.
var ErrClosed = errors.New("kafka: closed")

// errNoBrokers returned when dialing without seed brokers.
var errNoBrokers = errors.New("kafka: seed brokers required")

// connection a producing franz-go client plus the options consumer clients are built with.
type connection struct {
	mu     sync.RWMutex
	emitMu sync.RWMutex

	ctx      context.Context
	opts     []kgo.Opt
	producer kgoClient
	closed   bool
	channels []*channel

	done       chan struct{}
	closeOnce  sync.Once
	closes     []func()
	reconnects []func()
}

// Dial connects to the seed brokers, topics are created on first use. Options are passed to
// every client the connection builds.
func Dial(ctx context.Context, brokers []string, opts ...kgo.Opt) messenger.Dialer {
	return func() (messenger.Connection, error) {
		if len(brokers) == 0 {
			return nil, errNoBrokers
		}

		base := append([]kgo.Opt{kgo.SeedBrokers(brokers...), kgo.AllowAutoTopicCreation()}, opts...)
		cl, err := newClient(base...)
		if err != nil {
			return nil, err
		}
		if err = cl.Ping(ctx); err != nil {
			cl.Close()
			return nil, err
		}

		c := &connection{ctx: ctx, opts: base, producer: cl, done: make(chan struct{})}
		go c.background()
		return c, nil
	}
}

// Channel returns a new channel on the connection.
func (c *connection) Channel() (messenger.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	ch := newChannel(c)
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose registers a handler to be triggered on a close.
func (c *connection) NotifyClose(fn func()) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if fn != nil {
		c.closes = append(c.closes, fn)
	}
}

// NotifyReconnect registers a handler, franz-go reconnects to brokers transparently so it never fires.
func (c *connection) NotifyReconnect(fn func()) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if fn != nil {
		c.reconnects = append(c.reconnects, fn)
	}
}

func (c *connection) emitClose() {
	c.emitMu.RLock()
	defer c.emitMu.RUnlock()
	for _, fn := range c.closes {
		fn()
	}
}

// IsClosed determines if the connection is closed.
func (c *connection) IsClosed() bool {
	if c == nil {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Close stops every consume and closes the producing client.
func (c *connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	channels := c.channels
	c.channels = nil
	c.mu.Unlock()

	for _, ch := range channels {
		logError(c.ctx, ch.close())
	}
	c.producer.Close()

	c.closeOnce.Do(func() {
		close(c.done)
		go c.emitClose()
	})
	return nil
}

func (c *connection) detach(ch *channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, other := range c.channels {
		if other == ch {
			c.channels = append(c.channels[:i], c.channels[i+1:]...)
			return
		}
	}
}

// background closes the connection once its context is done.
func (c *connection) background() {
	select {
	case <-c.done:
	case <-c.ctx.Done():
		logError(context.Background(), c.Close())
	}
}

func logError(ctx context.Context, err error) {
	if errors.Is(err, ErrClosed) {
		return
	}
	logging.ErrorDepth(ctx, 1, err)
}
