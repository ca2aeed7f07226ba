// Package brokertest provides an in-memory messenger.Connection for tests.
//
// Routing follows the AMQP model closely enough for the client core: the default exchange routes
// by queue name, declared exchanges route through bindings, unacknowledged deliveries are requeued
// when their channel goes away and exclusive queues disappear with their connection.
package brokertest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/marcosimioni/messenger"
)

// ErrClosed returned by operations on a closed connection or channel.
var ErrClosed = errors.New("brokertest: closed")

type message struct {
	queue       string
	publishing  messenger.Publishing
	redelivered bool
}

type memQueue struct {
	name       string
	exclusive  bool
	autoDelete bool
	owner      *Conn
	buf        chan *message
}

type binding struct {
	queue string
	key   string
}

// Broker an in-memory broker shared by every connection dialed from it.
type Broker struct {
	mu        sync.Mutex
	queues    map[string]*memQueue
	exchanges map[string]messenger.ExchangeType
	bindings  map[string][]binding
	conns     map[*Conn]struct{}
	published []messenger.Publishing

	dialFailures    int
	dialErr         error
	publishFailures int
	publishErr      error

	dials   int64
	acks    int64
	nacks   int64
	requeue int64
	seq     int64
}

// New builds an empty broker.
func New() *Broker {
	return &Broker{
		queues:    make(map[string]*memQueue),
		exchanges: make(map[string]messenger.ExchangeType),
		bindings:  make(map[string][]binding),
		conns:     make(map[*Conn]struct{}),
	}
}

// Dialer returns a dialer for the broker.
func (b *Broker) Dialer() messenger.Dialer {
	return func() (messenger.Connection, error) {
		atomic.AddInt64(&b.dials, 1)
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.dialFailures != 0 {
			if b.dialFailures > 0 {
				b.dialFailures--
			}
			return nil, b.dialErr
		}
		c := &Conn{b: b}
		b.conns[c] = struct{}{}
		return c, nil
	}
}

// FailDials makes the next n dials fail with err, a negative n fails every dial.
func (b *Broker) FailDials(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialFailures, b.dialErr = n, err
}

// FailPublishes makes the next n publishes fail with err.
func (b *Broker) FailPublishes(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishFailures, b.publishErr = n, err
}

// Drop simulates the network going away: every live connection closes unexpectedly.
func (b *Broker) Drop() {
	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}
}

// Dials the number of dial attempts made.
func (b *Broker) Dials() int { return int(atomic.LoadInt64(&b.dials)) }

// Acks the number of acknowledged deliveries.
func (b *Broker) Acks() int { return int(atomic.LoadInt64(&b.acks)) }

// Nacks the number of negatively acknowledged deliveries, requeued or not.
func (b *Broker) Nacks() int { return int(atomic.LoadInt64(&b.nacks)) }

// Requeues the number of deliveries put back on their queue.
func (b *Broker) Requeues() int { return int(atomic.LoadInt64(&b.requeue)) }

// Published returns every publishing the broker accepted.
func (b *Broker) Published() []messenger.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]messenger.Publishing(nil), b.published...)
}

// Depth the number of ready messages on a queue.
func (b *Broker) Depth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return 0
	}
	return len(q.buf)
}

// HasQueue whether the queue is declared.
func (b *Broker) HasQueue(queue string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[queue]
	return ok
}

func (b *Broker) declare(owner *Conn, name string, autoDelete, exclusive bool) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if name == "" {
		name = fmt.Sprintf("amq.gen-%d", atomic.AddInt64(&b.seq, 1))
	}
	if q, ok := b.queues[name]; ok {
		if q.exclusive && q.owner != owner {
			return "", fmt.Errorf("brokertest: queue %q is locked to another connection", name)
		}
		return name, nil
	}
	b.queues[name] = &memQueue{
		name:       name,
		exclusive:  exclusive,
		autoDelete: autoDelete,
		owner:      owner,
		buf:        make(chan *message, 4096),
	}
	return name, nil
}

func (b *Broker) route(exchange, key string, p messenger.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishFailures > 0 {
		b.publishFailures--
		return b.publishErr
	}

	var targets []string
	if exchange == "" {
		targets = []string{key}
	} else {
		typ, ok := b.exchanges[exchange]
		if !ok {
			return fmt.Errorf("brokertest: no exchange %q", exchange)
		}
		for _, bd := range b.bindings[exchange] {
			if typ == messenger.ExchangeTypeFanout || bd.key == key || bd.key == "#" {
				targets = append(targets, bd.queue)
			}
		}
	}

	b.published = append(b.published, p)
	for _, name := range targets {
		q, ok := b.queues[name]
		if !ok {
			continue // unroutable messages are dropped.
		}
		q.buf <- &message{queue: name, publishing: p}
	}
	return nil
}

func (b *Broker) put(m *message) {
	b.mu.Lock()
	q, ok := b.queues[m.queue]
	b.mu.Unlock()
	if !ok {
		return
	}
	atomic.AddInt64(&b.requeue, 1)
	q.buf <- &message{queue: m.queue, publishing: m.publishing, redelivered: true}
}

func (b *Broker) lookup(name string) (*memQueue, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	return q, ok
}

func (b *Broker) forget(c *Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, c)
	for name, q := range b.queues {
		if q.owner == c && (q.exclusive || q.autoDelete) {
			delete(b.queues, name)
		}
	}
}

// Conn an in-memory connection.
type Conn struct {
	b *Broker

	mu         sync.Mutex
	closed     bool
	closes     []func()
	reconnects []func()
	channels   []*Chan
}

var _ messenger.Connection = (*Conn)(nil)

// Channel opens a new channel.
func (c *Conn) Channel() (messenger.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	ch := &Chan{conn: c, unacked: make(map[int64]*message), consumes: make(map[string]context.CancelFunc)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose registers a close handler.
func (c *Conn) NotifyClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes = append(c.closes, fn)
}

// NotifyReconnect registers a reconnect handler, the in-memory connection never reconnects by itself.
func (c *Conn) NotifyReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnects = append(c.reconnects, fn)
}

// IsClosed whether the connection is closed.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes the connection and its channels.
func (c *Conn) Close() error {
	if c.IsClosed() {
		return ErrClosed
	}
	c.shutdown()
	return nil
}

func (c *Conn) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	channels := c.channels
	closes := c.closes
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown()
	}
	c.b.forget(c)
	for _, fn := range closes {
		go fn()
	}
}

// Chan an in-memory channel.
type Chan struct {
	conn *Conn

	mu       sync.Mutex
	closed   bool
	closes   []func()
	unacked  map[int64]*message
	consumes map[string]context.CancelFunc
	wg       sync.WaitGroup
	prefetch int64
}

var _ messenger.Channel = (*Chan)(nil)

func (ch *Chan) live() error {
	if ch.IsClosed() {
		return ErrClosed
	}
	return nil
}

// QoS records the prefetch count.
func (ch *Chan) QoS(_ context.Context, count, _ int64, _ bool) error {
	if err := ch.live(); err != nil {
		return err
	}
	atomic.StoreInt64(&ch.prefetch, count)
	return nil
}

// Prefetch the prefetch count set through QoS.
func (ch *Chan) Prefetch() int64 { return atomic.LoadInt64(&ch.prefetch) }

// CreateQueue declares a queue.
func (ch *Chan) CreateQueue(_ context.Context, name string, _, autoDelete, exclusive bool) (messenger.Queue, error) {
	if err := ch.live(); err != nil {
		return nil, err
	}
	name, err := ch.conn.b.declare(ch.conn, name, autoDelete, exclusive)
	if err != nil {
		return nil, err
	}
	return &queue{name: name, ch: ch}, nil
}

// BindQueue binds a queue to an exchange.
func (ch *Chan) BindQueue(_ context.Context, queue, exchange, routingKey string) error {
	if err := ch.live(); err != nil {
		return err
	}
	b := ch.conn.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exchanges[exchange]; !ok {
		return fmt.Errorf("brokertest: no exchange %q", exchange)
	}
	b.bindings[exchange] = append(b.bindings[exchange], binding{queue: queue, key: routingKey})
	return nil
}

// CreateExchange declares an exchange.
func (ch *Chan) CreateExchange(_ context.Context, name string, typ messenger.ExchangeType, _, _ bool) error {
	if err := ch.live(); err != nil {
		return err
	}
	b := ch.conn.b
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges[name] = typ
	return nil
}

// Publish routes a publishing, it is confirmed once this returns nil.
func (ch *Chan) Publish(ctx context.Context, exchange, routingKey string, p messenger.Publishing) error {
	if err := ch.live(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ch.conn.b.route(exchange, routingKey, p)
}

// Consume starts delivering messages from a queue.
func (ch *Chan) Consume(
	ctx context.Context,
	queue, consumerName string,
	autoAck, _ bool,
) (<-chan messenger.Delivery, messenger.CancelFunc, error) {
	if err := ch.live(); err != nil {
		return nil, func() {}, err
	}
	q, ok := ch.conn.b.lookup(queue)
	if !ok {
		return nil, func() {}, fmt.Errorf("brokertest: no queue %q", queue)
	}

	ctx, cancel := context.WithCancel(ctx)
	ch.mu.Lock()
	ch.consumes[consumerName] = cancel
	ch.wg.Add(1)
	ch.mu.Unlock()

	out := make(chan messenger.Delivery)
	go func() {
		defer ch.wg.Done()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-q.buf:
				d := ch.deliver(ctx, m, autoAck)
				select {
				case out <- d:
				case <-ctx.Done():
					ch.release(d)
					return
				}
			}
		}
	}()
	return out, cancel, nil
}

func (ch *Chan) deliver(ctx context.Context, m *message, autoAck bool) *delivery {
	tag := atomic.AddInt64(&ch.conn.b.seq, 1)
	if !autoAck {
		ch.mu.Lock()
		ch.unacked[tag] = m
		ch.mu.Unlock()
	}
	return &delivery{ctx: ctx, ch: ch, tag: tag, msg: m}
}

func (ch *Chan) settle(tag int64, ack, requeue bool) error {
	ch.mu.Lock()
	m, ok := ch.unacked[tag]
	delete(ch.unacked, tag)
	closed := ch.closed
	ch.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return nil // auto acknowledged.
	}

	b := ch.conn.b
	if ack {
		atomic.AddInt64(&b.acks, 1)
		return nil
	}
	atomic.AddInt64(&b.nacks, 1)
	if requeue {
		b.put(m)
	}
	return nil
}

// release puts a delivery the consumer never saw back on its queue.
func (ch *Chan) release(d *delivery) {
	ch.mu.Lock()
	delete(ch.unacked, d.tag)
	ch.mu.Unlock()
	ch.conn.b.put(d.msg)
}

// NotifyClose registers a close handler.
func (ch *Chan) NotifyClose(fn func()) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closes = append(ch.closes, fn)
}

// NotifyReconnect the in-memory channel never reconnects by itself.
func (ch *Chan) NotifyReconnect(func()) {}

// IsClosed whether the channel is closed.
func (ch *Chan) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// Close closes the channel, unacknowledged deliveries go back to their queues.
func (ch *Chan) Close() error {
	if ch.IsClosed() {
		return ErrClosed
	}
	ch.shutdown()
	return nil
}

func (ch *Chan) shutdown() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	for _, cancel := range ch.consumes {
		cancel()
	}
	ch.mu.Unlock()

	// wait for the pumps to put back what they hold before requeueing the rest.
	ch.wg.Wait()

	ch.mu.Lock()
	ch.closed = true
	unacked := ch.unacked
	ch.unacked = make(map[int64]*message)
	closes := ch.closes
	ch.mu.Unlock()

	for _, m := range unacked {
		ch.conn.b.put(m)
	}
	for _, fn := range closes {
		go fn()
	}
}

type queue struct {
	name string
	ch   *Chan
}

func (q *queue) Name() string { return q.name }

func (q *queue) Bind(ctx context.Context, exchange, routingKey string) error {
	return q.ch.BindQueue(ctx, q.name, exchange, routingKey)
}

func (q *queue) Consume(ctx context.Context, consumerName string, autoAck, exclusive bool) (<-chan messenger.Delivery, messenger.CancelFunc, error) {
	return q.ch.Consume(ctx, q.name, consumerName, autoAck, exclusive)
}

type delivery struct {
	ctx context.Context
	ch  *Chan
	tag int64
	msg *message
}

func (d *delivery) Context() context.Context         { return d.ctx }
func (d *delivery) Ack() error                       { return d.ch.settle(d.tag, true, false) }
func (d *delivery) Nack(requeue bool) error          { return d.ch.settle(d.tag, false, requeue) }
func (d *delivery) Body() io.Reader                  { return bytes.NewReader(d.msg.publishing.Body) }
func (d *delivery) Redelivered() bool                { return d.msg.redelivered }
func (d *delivery) Destination() string              { return d.msg.queue }
func (d *delivery) Properties() messenger.Properties { return d.msg.publishing.Properties }
