package rabbitmq

import (
	"context"
	"errors"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/rabbitmq/amqp091-go"

	"github.com/marcosimioni/messenger"
	"github.com/marcosimioni/messenger/internal/logging"
)

// errNotConfirmed returned when the broker nacks a publish or the channel closes before confirming it.
var errNotConfirmed = errors.New("rabbitmq: publish was not confirmed by the broker")

// channel a reconnecting amqp091 channel in confirm mode. Consumes started on it survive a
// reconnect: they are restarted on the new channel and keep pushing to the same delivery chan.
type channel struct {
	hooks

	mu       sync.RWMutex // guards raw, closed and resumes.
	reconnMu sync.Mutex   // serialises reopens.
	ctx      context.Context
	conn     *connection

	// closed set once Close was called, the raw channel may be down without it.
	closed bool

	// resumes per consumer name, signalled after a reconnect so the consume restarts and
	// closed when it has to stop.
	resumes map[string]chan struct{}

	raw amqp091Channel
}

// QoS attempts to set the prefetch count and size for a consumer.
func (c *channel) QoS(ctx context.Context, count, size int64, global bool) error {
	return c.onChannel(ctx, func(ch amqp091Channel) error {
		return ch.Qos(int(count), int(size), global)
	})
}

// CreateQueue attempts to create a new queue.
func (c *channel) CreateQueue(ctx context.Context, name string, durable, autoDelete, exclusive bool) (messenger.Queue, error) {
	var q amqp091.Queue
	err := c.onChannel(ctx, func(ch amqp091Channel) error {
		var qErr error
		q, qErr = ch.QueueDeclare(name, durable, autoDelete, exclusive, false, nil)
		return qErr
	})
	if err != nil {
		return nil, err
	}
	return &queue{q, c}, nil
}

// BindQueue attempts to bind a queue to an exchange.
func (c *channel) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	return c.onChannel(ctx, func(ch amqp091Channel) error {
		return ch.QueueBind(queue, routingKey, exchange, false, nil)
	})
}

// CreateExchange attempts to create a new exchange.
func (c *channel) CreateExchange(
	ctx context.Context,
	name string,
	typ messenger.ExchangeType,
	durable, autoDelete bool,
) error {
	return c.onChannel(ctx, func(ch amqp091Channel) error {
		return ch.ExchangeDeclare(name, string(typ), durable, autoDelete, false, false, nil)
	})
}

// Publish attempts to publish a message onto an exchange with the supplied routing key
// and waits for the broker to confirm it.
func (c *channel) Publish(ctx context.Context, exchange, routingKey string, p messenger.Publishing) error {
	var dc *amqp091.DeferredConfirmation
	err := c.onChannel(ctx, func(ch amqp091Channel) error {
		var pErr error
		dc, pErr = ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, toPublishing(p))
		return pErr
	})
	if err != nil || dc == nil {
		return err // dc is nil when the channel is not in confirm mode.
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return errNotConfirmed
	}
	return nil
}

// Close closes the channel for good, stopping every consume started on it.
func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp091.ErrClosed
	}
	c.closed = true
	raw := c.raw
	c.mu.Unlock()

	c.stopConsumes()
	go c.emitClose()
	if isClosed(raw) {
		return nil
	}
	return raw.Close()
}

// IsClosed whether the channel was closed or is currently down.
func (c *channel) IsClosed() bool {
	if c == nil {
		return true
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed || isClosed(c.raw)
}

func (c *channel) closedForGood() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Consume consumes from a queue until ctx is done or the returned cancel is called. The
// delivery chan stays open across reconnects.
func (c *channel) Consume(
	ctx context.Context,
	queue, consumerName string,
	autoAck, exclusive bool,
) (<-chan messenger.Delivery, messenger.CancelFunc, error) {
	out := make(chan messenger.Delivery)
	ctx, cancel := context.WithCancel(ctx)
	if err := c.consume(ctx, cancel, consumeArgs{queue, consumerName, autoAck, exclusive}, out); err != nil {
		cancel()
		return out, func() {}, err
	}
	return out, cancel, nil
}

// onChannel runs fn on the raw channel, reopening it first when it is down.
func (c *channel) onChannel(ctx context.Context, fn func(ch amqp091Channel) error) error {
	if c.IsClosed() {
		if err := c.reconnect(); err != nil {
			return err
		}
	}

	c.mu.RLock()
	err := fn(c.raw)
	c.mu.RUnlock()

	logError(ctx, err)
	return err
}

// reconnect opens a new raw channel on the connection, which redials first if it went down
// as well. Exhausting the backoff closes the channel for good.
func (c *channel) reconnect() error {
	c.reconnMu.Lock()
	defer c.reconnMu.Unlock()

	if !c.IsClosed() {
		return nil
	}
	if c.closedForGood() {
		return amqp091.ErrClosed
	}

	err := retry(c.ctx, "channel", func() error {
		if c.conn == nil {
			return backoff.Permanent(amqp091.ErrClosed)
		}
		raw, err := c.conn.rawChannel()
		if err != nil {
			return err
		}

		c.mu.Lock()
		c.raw = raw
		c.mu.Unlock()
		return c.init()
	})
	if err != nil {
		logError(c.ctx, c.Close())
		return err
	}

	logging.Logger.Infof("rabbitmq: channel re-established")
	c.signalResume()
	go c.emitReconnect()
	return nil
}

// consumeArgs the arguments a consume is restarted with after a reconnect.
type consumeArgs struct {
	queue     string
	name      string
	autoAck   bool
	exclusive bool
}

// consume starts a broker consume and a goroutine forwarding its deliveries to out. After a
// reconnect the goroutine hands over to a fresh consume on the new channel, out is closed only
// once the consume stops for good.
func (c *channel) consume(ctx context.Context, cancel context.CancelFunc, args consumeArgs, out chan<- messenger.Delivery) error {
	deliveries, err := c.startConsume(ctx, args)
	if err != nil {
		return err
	}
	resumed := c.watch(args.name)

	go func() {
		stop := func() {
			logError(ctx, c.cancelConsume(args.name))
			c.unwatch(args.name)
			cancel()
			close(out)
		}

		for {
			select {
			case <-ctx.Done():
				stop()
				return
			case _, ok := <-resumed:
				if !ok {
					stop()
					return
				}
				logError(ctx, c.cancelConsume(args.name))
				c.unwatch(args.name)
				if rErr := c.consume(ctx, cancel, args, out); rErr != nil {
					logError(ctx, rErr)
					cancel()
					close(out)
				}
				return
			case d, ok := <-deliveries:
				if !ok {
					deliveries = nil // the channel went down, wait to be resumed or stopped.
					continue
				}
				select {
				case out <- &delivery{ctx: ctx, queue: args.queue, Delivery: d}:
				case <-ctx.Done():
					if !args.autoAck {
						logError(ctx, d.Nack(false, true))
					}
					stop()
					return
				}
			}
		}
	}()
	return nil
}

func (c *channel) startConsume(ctx context.Context, args consumeArgs) (<-chan amqp091.Delivery, error) {
	var deliveries <-chan amqp091.Delivery
	err := c.onChannel(ctx, func(ch amqp091Channel) error {
		var cErr error
		deliveries, cErr = ch.Consume(args.queue, args.name, args.autoAck, args.exclusive, false, false, nil)
		return cErr
	})
	return deliveries, err
}

// cancelConsume tells the broker to stop delivering to the consumer, a no-op once the channel is down.
func (c *channel) cancelConsume(name string) error {
	if c.IsClosed() {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.raw.Cancel(name, false)
}

// init puts the raw channel in confirm mode and watches it for closes, reopening it on an
// unexpected one.
func (c *channel) init() error {
	err := c.onChannel(c.ctx, func(ch amqp091Channel) error {
		return ch.Confirm(false)
	})
	if err != nil {
		return err
	}

	notify := make(chan *amqp091.Error)
	err = c.onChannel(c.ctx, func(ch amqp091Channel) error {
		ch.NotifyClose(notify)
		return nil
	})
	if err != nil {
		return err
	}

	go func() {
		e, ok := <-notify
		if !ok || e == nil {
			// graceful close, Close also stops the consumes.
			if cErr := c.Close(); cErr != nil && !errors.Is(cErr, amqp091.ErrClosed) {
				logError(c.ctx, cErr)
			}
			return
		}
		logError(c.ctx, closeReason("channel", &amqpError{e}))
		logError(c.ctx, c.reconnect())
	}()
	return nil
}

// watch registers the consumer for resume signals, a consumer name maps to a single consume.
func (c *channel) watch(name string) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resumes == nil {
		c.resumes = make(map[string]chan struct{})
	}
	if r, ok := c.resumes[name]; ok {
		return r
	}
	r := make(chan struct{}, 1)
	c.resumes[name] = r
	return r
}

func (c *channel) unwatch(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.resumes[name]; ok {
		delete(c.resumes, name)
		close(r)
	}
}

// signalResume tells every consume to restart. A consume which has not picked up an earlier
// signal keeps that one.
func (c *channel) signalResume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.resumes {
		select {
		case r <- struct{}{}:
		default:
		}
	}
}

// stopConsumes closes every resume signal, which stops the consumes.
func (c *channel) stopConsumes() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.resumes {
		close(r)
	}
	c.resumes = nil
}
