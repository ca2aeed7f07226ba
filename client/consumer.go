package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/marcosimioni/messenger"
	"github.com/marcosimioni/messenger/internal/logging"
)

var (
	// ErrAlreadySubscribed returned when subscribing twice to the same destination.
	ErrAlreadySubscribed = errors.New("client: already subscribed")
	// ErrNotSubscribed returned when unsubscribing from a destination with no subscription.
	ErrNotSubscribed = errors.New("client: not subscribed")
)

// Handler handles a single inbound message. Returning nil acknowledges the message,
// an error rejects it without requeueing.
type Handler func(ctx context.Context, msg messenger.Message) error

// Consumer dispatches deliveries from the subscribed destinations to their handlers.
type Consumer struct {
	m *Manager

	mu   sync.Mutex
	subs map[string]*subscription
}

// NewConsumer builds a consumer on top of the manager. Subscriptions are re-established
// after a reconnect and stopped when the manager closes.
func NewConsumer(m *Manager) *Consumer {
	c := &Consumer{m: m, subs: make(map[string]*subscription)}
	m.OnReconnect(c.resubscribe)
	m.OnClose(c.stopAll)
	return c
}

// Subscribe declares the destination queue and starts handing its messages to handler.
func (c *Consumer) Subscribe(ctx context.Context, destination string, handler Handler, opts ...SubscribeOption) error {
	if destination == "" || handler == nil {
		return fmt.Errorf("client: subscribe needs a destination and a handler")
	}

	o := defaultSubscribeOptions()
	for _, opt := range opts {
		opt(&o)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[destination]; ok {
		return ErrAlreadySubscribed
	}
	if s := c.m.State(); s != Connected {
		return messenger.NewError(messenger.ErrTransport, "subscribe", destination, errors.New("manager is "+s.String()))
	}

	s := &subscription{
		destination: destination,
		handler:     handler,
		opts:        o,
		queue:       make(chan messenger.Delivery, o.queueSize),
		stop:        make(chan struct{}),
	}
	if err := c.consume(ctx, s); err != nil {
		return messenger.NewError(messenger.ErrTransport, "subscribe", destination, err)
	}

	c.subs[destination] = s
	s.start(c.m.ctx)
	return nil
}

// Unsubscribe stops the subscription: the broker consume is cancelled, handlers in flight
// finish and deliveries still queued locally are settled per the subscription's policy.
func (c *Consumer) Unsubscribe(destination string) error {
	c.mu.Lock()
	s, ok := c.subs[destination]
	delete(c.subs, destination)
	c.mu.Unlock()

	if !ok {
		return ErrNotSubscribed
	}
	s.close()
	return nil
}

// Subscriptions returns the subscribed destinations.
func (c *Consumer) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for d := range c.subs {
		out = append(out, d)
	}
	return out
}

// consume declares the queue, its binding and starts a broker consume feeding the subscription.
func (c *Consumer) consume(ctx context.Context, s *subscription) error {
	return c.m.withChannel(func(ch messenger.Channel, gen uint64) error {
		o := s.opts
		q, err := ch.CreateQueue(ctx, s.destination, o.durable, o.autoDelete, o.exclusive)
		if err != nil {
			return err
		}

		if o.exchange != "" {
			if err = ch.CreateExchange(ctx, o.exchange, o.exchangeType, o.durable, false); err != nil {
				return err
			}
			if err = q.Bind(ctx, o.exchange, o.routingKey); err != nil {
				return err
			}
		}

		tag := s.destination + "." + uuid.NewString()[:8]
		deliveries, cancel, err := q.Consume(c.m.ctx, tag, false, o.exclusive)
		if err != nil {
			return err
		}

		s.attach(deliveries, cancel, gen)
		return nil
	})
}

// resubscribe restarts every subscription consuming from an older channel. Subscriptions
// that fail stay on their old generation and are picked up by the next attempt.
func (c *Consumer) resubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	gen := c.m.generation()
	for _, s := range c.subs {
		if s.generation() == gen {
			continue
		}
		if err := c.consume(c.m.ctx, s); err != nil {
			errs = append(errs, messenger.NewError(messenger.ErrTransport, "resubscribe", s.destination, err))
			continue
		}
		logging.Logger.Infof("resubscribed to %s", s.destination)
	}
	return errors.Join(errs...)
}

func (c *Consumer) stopAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s *subscription) {
			defer wg.Done()
			s.close()
		}(s)
	}
	wg.Wait()
}

// subscription one destination: a pump per broker consume feeds the bounded queue
// which the workers drain.
type subscription struct {
	destination string
	handler     Handler
	opts        subscribeOptions
	queue       chan messenger.Delivery

	mu     sync.Mutex
	cancel messenger.CancelFunc
	gen    uint64

	stop     chan struct{}
	stopOnce sync.Once
	pumps    sync.WaitGroup
	workers  sync.WaitGroup
}

func (s *subscription) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// attach starts pumping a broker consume into the queue.
func (s *subscription) attach(deliveries <-chan messenger.Delivery, cancel messenger.CancelFunc, gen uint64) {
	s.mu.Lock()
	s.cancel, s.gen = cancel, gen
	s.mu.Unlock()

	s.pumps.Add(1)
	go func() {
		defer s.pumps.Done()
		for d := range deliveries {
			select {
			case <-s.stop:
				s.settle(d)
				continue
			default:
			}

			select {
			case s.queue <- d:
			case <-s.stop:
				s.settle(d)
			}
		}
	}()
}

func (s *subscription) start(ctx context.Context) {
	for i := 0; i < s.opts.workers; i++ {
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			for {
				select {
				case <-s.stop:
					return
				default:
				}

				select {
				case <-s.stop:
					return
				case d := <-s.queue:
					s.dispatch(ctx, d)
				}
			}
		}()
	}
}

// dispatch hands a delivery to the handler and settles it with the outcome.
func (s *subscription) dispatch(ctx context.Context, d messenger.Delivery) {
	msg, err := messenger.FromDelivery(d)
	if err == nil {
		err = s.invoke(d.Context(), msg)
	}

	if err != nil {
		logging.Logger.Warnf("handler for %s failed, rejecting message: %v", s.destination, err)
		logging.Error(ctx, d.Nack(false))
		return
	}
	logging.Error(ctx, d.Ack())
}

func (s *subscription) invoke(ctx context.Context, msg messenger.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ctx, msg)
}

// settle applies the unsubscribe policy to a delivery that was never handled.
func (s *subscription) settle(d messenger.Delivery) {
	var err error
	switch s.opts.policy {
	case PolicyAck:
		err = d.Ack()
	case PolicyReject:
		err = d.Nack(false)
	default:
		err = d.Nack(true)
	}
	logging.Error(d.Context(), err)
}

// close stops the subscription, the steps run in order so no delivery is left unsettled.
func (s *subscription) close() {
	s.stopOnce.Do(func() {
		close(s.stop)

		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		s.pumps.Wait()
		s.workers.Wait()

		for {
			select {
			case d := <-s.queue:
				s.settle(d)
			default:
				return
			}
		}
	})
}
