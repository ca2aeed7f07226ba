package nats

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/marcosimioni/messenger"
)

// defaultFlushTimeout used to confirm a publish when the context carries no deadline.
const defaultFlushTimeout = 5 * time.Second

// defaultBuffer the size of the subscription buffer when no prefetch is set.
const defaultBuffer = 64

// channel a view over the shared nats connection which keeps the declared topology.
type channel struct {
	conn *connection

	mu        sync.RWMutex
	closed    bool
	prefetch  int
	exchanges map[string]messenger.ExchangeType
	bindings  map[string][]string // queue to the extra subjects it listens on.
	consumes  map[string]*consume

	emitMu     sync.RWMutex
	closes     []func()
	reconnects []func()
}

func newChannel(conn *connection) *channel {
	return &channel{
		conn:      conn,
		exchanges: make(map[string]messenger.ExchangeType),
		bindings:  make(map[string][]string),
		consumes:  make(map[string]*consume),
	}
}

type consume struct {
	once   sync.Once
	subs   []*nats.Subscription
	cancel context.CancelFunc
}

func (ch *channel) live() error {
	if ch.IsClosed() {
		return ErrClosed
	}
	return nil
}

// QoS sets the size of the buffer pending messages are held in.
func (ch *channel) QoS(_ context.Context, count, _ int64, _ bool) error {
	if err := ch.live(); err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.prefetch = int(count)
	return nil
}

// CreateQueue declares a queue, nats keeps no state so only the name matters.
func (ch *channel) CreateQueue(_ context.Context, name string, _, _, _ bool) (messenger.Queue, error) {
	if err := ch.live(); err != nil {
		return nil, err
	}
	if name == "" {
		name = nats.NewInbox()
	}
	return &queue{name: name, ch: ch}, nil
}

// BindQueue subscribes the queue to messages published through the exchange with the routing key.
func (ch *channel) BindQueue(_ context.Context, queue, exchange, routingKey string) error {
	if err := ch.live(); err != nil {
		return err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	typ, ok := ch.exchanges[exchange]
	if !ok {
		return fmt.Errorf("nats: exchange %q is not declared", exchange)
	}

	var subjects []string
	switch typ {
	case messenger.ExchangeTypeFanout:
		subjects = []string{exchange, exchange + ".>"}
	case messenger.ExchangeTypeTopic:
		subjects = []string{subject(exchange, strings.ReplaceAll(routingKey, "#", ">"))}
	default:
		subjects = []string{subject(exchange, routingKey)}
	}
	ch.bindings[queue] = append(ch.bindings[queue], subjects...)
	return nil
}

// CreateExchange records the exchange so queues can be bound to it.
func (ch *channel) CreateExchange(_ context.Context, name string, typ messenger.ExchangeType, _, _ bool) error {
	if err := ch.live(); err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.exchanges[name] = typ
	return nil
}

// Publish publishes to the subject derived from the exchange and routing key and flushes,
// so a nil error means the server received the message.
func (ch *channel) Publish(ctx context.Context, exchange, routingKey string, p messenger.Publishing) error {
	if err := ch.live(); err != nil {
		return err
	}

	msg := toMsg(subject(exchange, routingKey), p)
	nc := ch.conn.nc
	if err := nc.PublishMsg(msg); err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); ok {
		return nc.FlushWithContext(ctx)
	}
	return nc.FlushTimeout(defaultFlushTimeout)
}

// Consume subscribes to the queue subject and its bindings using the queue name as queue group.
func (ch *channel) Consume(
	ctx context.Context,
	queue, consumerName string,
	_, _ bool,
) (<-chan messenger.Delivery, messenger.CancelFunc, error) {
	if err := ch.live(); err != nil {
		return nil, func() {}, err
	}

	ch.mu.RLock()
	subjects := append([]string{queue}, ch.bindings[queue]...)
	size := ch.prefetch
	ch.mu.RUnlock()
	if size <= 0 {
		size = defaultBuffer
	}

	msgs := make(chan *nats.Msg, size)
	ctx, cancel := context.WithCancel(ctx)
	cs := &consume{cancel: cancel}
	for _, subj := range subjects {
		sub, err := ch.conn.nc.ChanQueueSubscribe(subj, queue, msgs)
		if err != nil {
			cs.stop()
			return nil, func() {}, err
		}
		cs.subs = append(cs.subs, sub)
	}

	ch.mu.Lock()
	if prev, ok := ch.consumes[consumerName]; ok {
		prev.stop()
	}
	ch.consumes[consumerName] = cs
	ch.mu.Unlock()

	out := make(chan messenger.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-msgs:
				select {
				case out <- &delivery{ctx: ctx, queue: queue, msg: m}:
				case <-ctx.Done():
					return // dropped, core nats has no redelivery.
				}
			}
		}
	}()

	return out, func() {
		ch.mu.Lock()
		if ch.consumes[consumerName] == cs {
			delete(ch.consumes, consumerName)
		}
		ch.mu.Unlock()
		cs.stop()
	}, nil
}

// stop removes interest on the subjects and ends the pump.
func (cs *consume) stop() {
	cs.once.Do(func() {
		for _, sub := range cs.subs {
			logError(context.Background(), unsubscribe(sub))
		}
		cs.cancel()
	})
}

// NotifyClose registers a handler to be triggered on a close.
func (ch *channel) NotifyClose(fn func()) {
	ch.emitMu.Lock()
	defer ch.emitMu.Unlock()
	if fn != nil {
		ch.closes = append(ch.closes, fn)
	}
}

// NotifyReconnect registers a handler to be triggered when the connection reconnected.
func (ch *channel) NotifyReconnect(fn func()) {
	ch.emitMu.Lock()
	defer ch.emitMu.Unlock()
	if fn != nil {
		ch.reconnects = append(ch.reconnects, fn)
	}
}

func (ch *channel) emitReconnect() {
	ch.emitMu.RLock()
	defer ch.emitMu.RUnlock()
	for _, fn := range ch.reconnects {
		go fn()
	}
}

func (ch *channel) emitClose() {
	ch.emitMu.RLock()
	defer ch.emitMu.RUnlock()
	for _, fn := range ch.closes {
		fn()
	}
}

// IsClosed determines if the channel or its connection is closed.
func (ch *channel) IsClosed() bool {
	ch.mu.RLock()
	closed := ch.closed
	ch.mu.RUnlock()
	return closed || ch.conn.IsClosed()
}

// Close stops every consume started on the channel.
func (ch *channel) Close() error {
	return ch.close(true)
}

func (ch *channel) close(detach bool) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return ErrClosed
	}
	ch.closed = true
	consumes := ch.consumes
	ch.consumes = make(map[string]*consume)
	ch.mu.Unlock()

	for _, cs := range consumes {
		cs.stop()
	}
	if detach {
		ch.conn.detach(ch)
	}
	go ch.emitClose()
	return nil
}

// detach forgets a channel closed on its own.
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

// subject the nats subject a routing key maps to, the default exchange routes by queue name.
func subject(exchange, routingKey string) string {
	switch {
	case exchange == "":
		return routingKey
	case routingKey == "":
		return exchange
	default:
		return exchange + "." + routingKey
	}
}

type queue struct {
	name string
	ch   *channel
}

func (q *queue) Name() string { return q.name }

func (q *queue) Bind(ctx context.Context, exchange, routingKey string) error {
	return q.ch.BindQueue(ctx, q.name, exchange, routingKey)
}

func (q *queue) Consume(ctx context.Context, consumerName string, autoAck, exclusive bool) (<-chan messenger.Delivery, messenger.CancelFunc, error) {
	return q.ch.Consume(ctx, q.name, consumerName, autoAck, exclusive)
}
