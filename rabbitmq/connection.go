package rabbitmq

import (
	"context"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/rabbitmq/amqp091-go"

	"github.com/marcosimioni/messenger"
	"github.com/marcosimioni/messenger/internal/logging"
)

// helper types exposed from the underlined SDK package.

type (
	Config         = amqp091.Config
	Authentication = amqp091.Authentication
	PlainAuth      = amqp091.PlainAuth
)

// amqp091ConnectionDialer a function which takes no arguments and returns a new amqp091 connection.
type amqp091ConnectionDialer = func() (amqp091Connection, error)

// connection a reconnecting amqp091 connection. An unexpected close redials with the original
// dialer, an explicit Close or a done context ends it for good.
type connection struct {
	hooks

	mu       sync.RWMutex // guards raw and closed.
	reconnMu sync.Mutex   // serialises redials.

	dialer amqp091ConnectionDialer
	ctx    context.Context
	closed bool
	raw    amqp091Connection
}

// DialConfig connects to a rabbitmq broker using an amqp:// url, with Config supplying
// authentication, vhost, heartbeat and TLS settings.
func DialConfig(ctx context.Context, addr string, c Config) messenger.Dialer { //nolint // config has to be non-pointer to conform to amqp091.
	return func() (messenger.Connection, error) {
		return wrapDial(ctx, func() (amqp091Connection, error) {
			return dialConfig(addr, c)
		})
	}
}

// Dial connects to a rabbitmq broker using an amqp:// url.
func Dial(ctx context.Context, addr string) messenger.Dialer {
	return func() (messenger.Connection, error) {
		return wrapDial(ctx, func() (amqp091Connection, error) {
			return dial(addr)
		})
	}
}

func wrapDial(ctx context.Context, dial amqp091ConnectionDialer) (messenger.Connection, error) {
	raw, err := dial()
	if err != nil {
		return nil, err
	}
	c := &connection{raw: raw, dialer: dial, ctx: ctx}
	go c.background()
	return c, nil
}

// Channel opens a channel in confirm mode, so every publish waits for the broker to take it.
func (c *connection) Channel() (messenger.Channel, error) {
	raw, err := c.rawChannel()
	if err != nil {
		return nil, err
	}

	ch := &channel{raw: raw, conn: c, ctx: c.ctx}
	if err = ch.init(); err != nil {
		logError(c.ctx, raw.Close())
		return nil, err
	}
	return ch, nil
}

func (c *connection) rawChannel() (amqp091Channel, error) {
	var ch amqp091Channel
	err := c.onConnection(func(conn amqp091Connection) error {
		var cErr error
		ch, cErr = openChannel(conn)
		return cErr
	})
	return ch, err
}

// Close marks the connection as closed for good and closes the socket if it is still open.
// The close handlers run once, whichever path closes first.
func (c *connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	raw := c.raw
	c.mu.Unlock()

	go c.emitClose()
	if isClosed(raw) {
		return nil
	}
	return raw.Close()
}

// IsClosed whether the connection was closed or its socket is currently down.
func (c *connection) IsClosed() bool {
	if c == nil {
		return true
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed || isClosed(c.raw)
}

// closedForGood whether Close was called, as opposed to the socket being down.
func (c *connection) closedForGood() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// onConnection runs fn on the socket, redialing first when it is down.
func (c *connection) onConnection(fn func(conn amqp091Connection) error) error {
	if c.IsClosed() {
		if err := c.reconnect(); err != nil {
			return err
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return fn(c.raw)
}

// reconnect redials a dropped socket under the reconnect backoff. Exhausting it closes the
// connection for good.
func (c *connection) reconnect() error {
	c.reconnMu.Lock()
	defer c.reconnMu.Unlock()

	if !c.IsClosed() {
		return nil // another caller got there first.
	}
	if c.closedForGood() {
		return amqp091.ErrClosed
	}

	err := retry(c.ctx, "connection", func() error {
		if c.dialer == nil {
			return backoff.Permanent(amqp091.ErrClosed)
		}
		raw, err := c.dialer()
		if err != nil {
			return err
		}

		c.mu.Lock()
		c.raw = raw
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		logError(c.ctx, c.Close())
		return err
	}

	logging.Logger.Infof("rabbitmq: connection re-established")
	go c.background()
	go c.emitReconnect()
	return nil
}

// background watches the socket for closes until the context is done. It registers outside of
// onConnection as waiting on a close would otherwise hold the lock.
func (c *connection) background() {
	notify := make(chan *amqp091.Error)
	err := c.onConnection(func(conn amqp091Connection) error {
		conn.NotifyClose(notify)
		return nil
	})
	if err != nil {
		logError(c.ctx, err)
		return
	}

	select {
	case <-c.ctx.Done():
		logError(c.ctx, c.Close())
	case e, ok := <-notify:
		if !ok || e == nil {
			logError(c.ctx, c.Close()) // graceful close.
			return
		}
		logError(c.ctx, closeReason("connection", &amqpError{e}))
		logError(c.ctx, c.reconnect())
	}
}
