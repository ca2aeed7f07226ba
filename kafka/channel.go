package kafka

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/marcosimioni/messenger"
)

type binding struct {
	exchange string
	key      string
	typ      messenger.ExchangeType
}

// matches whether a record produced through the exchange with key belongs to the binding.
func (b binding) matches(exchange, key string) bool {
	if b.exchange != exchange {
		return false
	}
	return b.typ == messenger.ExchangeTypeFanout || b.key == "#" || b.key == key
}

// channel keeps the declared topology and the consumer clients started from it.
type channel struct {
	conn *connection

	mu        sync.RWMutex
	closed    bool
	exchanges map[string]messenger.ExchangeType
	bindings  map[string][]binding
	consumes  map[string]context.CancelFunc
	wg        sync.WaitGroup

	emitMu sync.RWMutex
	closes []func()
}

func newChannel(conn *connection) *channel {
	return &channel{
		conn:      conn,
		exchanges: make(map[string]messenger.ExchangeType),
		bindings:  make(map[string][]binding),
		consumes:  make(map[string]context.CancelFunc),
	}
}

func (ch *channel) live() error {
	if ch.IsClosed() {
		return ErrClosed
	}
	return nil
}

// QoS is a no-op, consumers poll whatever the brokers return.
func (ch *channel) QoS(context.Context, int64, int64, bool) error {
	return ch.live()
}

// CreateQueue names a topic, it is created by the brokers on first use.
func (ch *channel) CreateQueue(_ context.Context, name string, _, _, _ bool) (messenger.Queue, error) {
	if err := ch.live(); err != nil {
		return nil, err
	}
	if name == "" {
		name = "queue-" + uuid.NewString()
	}
	return &queue{name: name, ch: ch}, nil
}

// BindQueue makes the queue consume the exchange topic, keeping records matching the routing key.
func (ch *channel) BindQueue(_ context.Context, queue, exchange, routingKey string) error {
	if err := ch.live(); err != nil {
		return err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	typ, ok := ch.exchanges[exchange]
	if !ok {
		return fmt.Errorf("kafka: exchange %q is not declared", exchange)
	}
	ch.bindings[queue] = append(ch.bindings[queue], binding{exchange: exchange, key: routingKey, typ: typ})
	return nil
}

// CreateExchange records the exchange, its topic is created by the brokers on first use.
func (ch *channel) CreateExchange(_ context.Context, name string, typ messenger.ExchangeType, _, _ bool) error {
	if err := ch.live(); err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.exchanges[name] = typ
	return nil
}

// Publish produces the record synchronously, a nil error means the brokers acknowledged it.
func (ch *channel) Publish(ctx context.Context, exchange, routingKey string, p messenger.Publishing) error {
	if err := ch.live(); err != nil {
		return err
	}
	return ch.conn.producer.ProduceSync(ctx, toRecord(exchange, routingKey, p)).FirstErr()
}

// Consume starts a consumer group client for the queue and its bound exchanges.
func (ch *channel) Consume(
	ctx context.Context,
	queue, consumerName string,
	autoAck, _ bool,
) (<-chan messenger.Delivery, messenger.CancelFunc, error) {
	if err := ch.live(); err != nil {
		return nil, func() {}, err
	}

	ch.mu.RLock()
	bindings := append([]binding(nil), ch.bindings[queue]...)
	ch.mu.RUnlock()

	topics := []string{queue}
	for _, b := range bindings {
		topics = append(topics, b.exchange)
	}

	opts := append(append([]kgo.Opt(nil), ch.conn.opts...),
		kgo.ConsumerGroup(queue),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
	)
	cl, err := newClient(opts...)
	if err != nil {
		return nil, func() {}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	ch.mu.Lock()
	if prev, ok := ch.consumes[consumerName]; ok {
		prev()
	}
	ch.consumes[consumerName] = cancel
	ch.wg.Add(1)
	ch.mu.Unlock()

	out := make(chan messenger.Delivery)
	tracker := newCommits(cl)
	go func() {
		defer ch.wg.Done()
		defer close(out)
		defer cl.Close()

		for {
			fetches := cl.PollFetches(ctx)
			if ctx.Err() != nil || fetches.IsClientClosed() {
				return
			}
			fetches.EachError(func(topic string, partition int32, err error) {
				logError(ctx, fmt.Errorf("kafka: fetch %s[%d]: %w", topic, partition, err))
			})

			var stopped bool
			fetches.EachRecord(func(r *kgo.Record) {
				if stopped {
					return
				}
				tracker.track(r)
				if r.Topic != queue && !routed(bindings, r) {
					logError(ctx, tracker.settle(ctx, r)) // not ours, skip it for good.
					return
				}

				d := &delivery{ctx: ctx, queue: queue, commits: tracker, record: r}
				select {
				case out <- d:
					if autoAck {
						logError(ctx, d.Ack())
					}
				case <-ctx.Done():
					stopped = true
				}
			})
			if stopped {
				return
			}
		}
	}()

	return out, cancel, nil
}

// routed whether a record read from an exchange topic matches one of the queue bindings.
func routed(bindings []binding, r *kgo.Record) bool {
	for _, b := range bindings {
		if b.matches(r.Topic, string(r.Key)) {
			return true
		}
	}
	return false
}

// NotifyClose registers a handler to be triggered on a close.
func (ch *channel) NotifyClose(fn func()) {
	ch.emitMu.Lock()
	defer ch.emitMu.Unlock()
	if fn != nil {
		ch.closes = append(ch.closes, fn)
	}
}

// NotifyReconnect never fires, see connection.NotifyReconnect.
func (ch *channel) NotifyReconnect(func()) {}

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

// Close stops the consumer clients started on the channel.
func (ch *channel) Close() error {
	if err := ch.close(); err != nil {
		return err
	}
	ch.conn.detach(ch)
	return nil
}

func (ch *channel) close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return ErrClosed
	}
	ch.closed = true
	consumes := ch.consumes
	ch.consumes = make(map[string]context.CancelFunc)
	ch.mu.Unlock()

	for _, cancel := range consumes {
		cancel()
	}
	ch.wg.Wait()
	go ch.emitClose()
	return nil
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
