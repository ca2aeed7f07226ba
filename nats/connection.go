// Package nats binds the messenger transport interfaces to core NATS.
//
// NATS has no exchanges, queues or acknowledgements. A queue is a subject consumed through a
// queue group of the same name so consumers of one queue compete for messages, an exchange
// binding subscribes the queue to "<exchange>.<routing key>" and acks are no-ops as core NATS
// delivers at most once.
package nats

import (
	"context"
	"errors"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/marcosimioni/messenger"
	"github.com/marcosimioni/messenger/internal/logging"
)

// ErrClosed returned when operating on a closed connection or channel.
var ErrClosed = errors.New("nats: closed")

// connection wraps a nats connection. The nats client reconnects by itself, close handlers
// only run once the connection is closed for good.
type connection struct {
	mu     sync.RWMutex
	emitMu sync.RWMutex

	nc       natsConn
	ctx      context.Context
	closed   bool
	channels []*channel

	done       chan struct{}
	closeOnce  sync.Once
	closes     []func()
	reconnects []func()
}

// Dial connects to a nats server, options are passed to nats.Connect.
func Dial(ctx context.Context, url string, opts ...nats.Option) messenger.Dialer {
	return func() (messenger.Connection, error) {
		nc, err := connect(url, opts...)
		if err != nil {
			return nil, err
		}

		c := &connection{nc: nc, ctx: ctx, done: make(chan struct{})}
		nc.SetClosedHandler(func(*nats.Conn) { c.shutdown() })
		nc.SetReconnectHandler(func(*nats.Conn) { c.emitReconnect() })
		go c.background()
		return c, nil
	}
}

// Channel returns a new channel on the connection.
func (c *connection) Channel() (messenger.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.nc.IsClosed() {
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

// NotifyReconnect registers a handler to be triggered when the nats client reconnected.
func (c *connection) NotifyReconnect(fn func()) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if fn != nil {
		c.reconnects = append(c.reconnects, fn)
	}
}

func (c *connection) emitReconnect() {
	c.emitMu.RLock()
	defer c.emitMu.RUnlock()
	for _, fn := range c.reconnects {
		fn()
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ch := range c.channels {
		ch.emitReconnect()
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
	return c.closed || c.nc.IsClosed()
}

// Close drains the subscriptions and waits for the nats client to close the connection,
// the drain is bounded by nats.DrainTimeout.
func (c *connection) Close() error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil
	}

	var err error
	if !c.nc.IsClosed() {
		if err = c.nc.Drain(); err != nil {
			c.nc.Close()
		} else {
			<-c.done // the closed handler runs once the drain completes.
		}
	}
	c.shutdown()
	return err
}

// shutdown marks the connection closed, closes its channels and emits the close once.
func (c *connection) shutdown() {
	c.mu.Lock()
	c.closed = true
	channels := c.channels
	c.channels = nil
	c.mu.Unlock()

	for _, ch := range channels {
		logError(c.ctx, ch.close(false))
	}
	c.closeOnce.Do(func() {
		close(c.done)
		go c.emitClose()
	})
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
