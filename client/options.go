package client

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/marcosimioni/messenger"
)

// defaults applied when an option is not supplied.
const (
	DefaultPrefetch       = 16
	DefaultPublishRetries = 3
	DefaultQueueSize      = 64
	DefaultWorkers        = 1
	DefaultRequestTimeout = 30 * time.Second
)

// Option configures a Manager and the components built on top of it.
type Option func(*options)

type options struct {
	prefetch         int
	connectRetries   uint64
	publishRetries   uint64
	reconnectBackoff func() backoff.BackOff
	publishBackoff   func() backoff.BackOff
	correlator       []CorrelatorOption
}

func defaultOptions() options {
	return options{
		prefetch:         DefaultPrefetch,
		publishRetries:   DefaultPublishRetries,
		reconnectBackoff: defaultReconnectBackoff,
		publishBackoff:   defaultPublishBackoff,
	}
}

// defaultReconnectBackoff exponential backoff from 500ms up to 30s, giving up after 10 attempts.
func defaultReconnectBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, 10)
}

func defaultPublishBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// WithPrefetch sets how many unacknowledged deliveries the broker hands out at once.
func WithPrefetch(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.prefetch = n
		}
	}
}

// WithConnectRetries retries the initial connect n times using the reconnect backoff.
func WithConnectRetries(n uint64) Option {
	return func(o *options) { o.connectRetries = n }
}

// WithReconnectBackoff sets the policy used to re-establish a lost connection, the
// returned backoff decides both the delays and when to give up.
func WithReconnectBackoff(fn func() backoff.BackOff) Option {
	return func(o *options) {
		if fn != nil {
			o.reconnectBackoff = fn
		}
	}
}

// WithPublishRetries sets how many times a publish failing on a transient error is retried.
func WithPublishRetries(n uint64) Option {
	return func(o *options) { o.publishRetries = n }
}

// WithPublishBackoff sets the delays between publish retries.
func WithPublishBackoff(fn func() backoff.BackOff) Option {
	return func(o *options) {
		if fn != nil {
			o.publishBackoff = fn
		}
	}
}

// WithCorrelator passes options to the correlator built by Open.
func WithCorrelator(opts ...CorrelatorOption) Option {
	return func(o *options) { o.correlator = append(o.correlator, opts...) }
}

// UnsubscribePolicy decides what happens to deliveries still queued locally when a
// subscription stops.
type UnsubscribePolicy int

const (
	// PolicyRequeue hands queued deliveries back to the broker for redelivery.
	PolicyRequeue UnsubscribePolicy = iota
	// PolicyReject rejects queued deliveries without requeueing them.
	PolicyReject
	// PolicyAck acknowledges queued deliveries without handling them.
	PolicyAck
)

func (p UnsubscribePolicy) String() string {
	switch p {
	case PolicyRequeue:
		return "requeue"
	case PolicyReject:
		return "reject"
	case PolicyAck:
		return "ack"
	default:
		return "unknown"
	}
}

// SubscribeOption configures a single subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	queueSize  int
	workers    int
	policy     UnsubscribePolicy
	durable    bool
	autoDelete bool
	exclusive  bool

	exchange     string
	exchangeType messenger.ExchangeType
	routingKey   string
}

func defaultSubscribeOptions() subscribeOptions {
	return subscribeOptions{
		queueSize: DefaultQueueSize,
		workers:   DefaultWorkers,
		policy:    PolicyRequeue,
		durable:   true,
	}
}

// WithQueueSize bounds how many deliveries wait locally for a worker.
func WithQueueSize(n int) SubscribeOption {
	return func(o *subscribeOptions) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithWorkers sets how many handlers run concurrently, 1 keeps handling sequential.
func WithWorkers(n int) SubscribeOption {
	return func(o *subscribeOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithUnsubscribePolicy sets how queued deliveries are settled on unsubscribe.
func WithUnsubscribePolicy(p UnsubscribePolicy) SubscribeOption {
	return func(o *subscribeOptions) { o.policy = p }
}

// WithExclusive declares the queue exclusive to this connection.
func WithExclusive() SubscribeOption {
	return func(o *subscribeOptions) { o.exclusive = true }
}

// WithAutoDelete declares the queue to be removed once its last consumer goes away.
func WithAutoDelete() SubscribeOption {
	return func(o *subscribeOptions) { o.autoDelete = true }
}

// WithTransientQueue declares the queue as non durable.
func WithTransientQueue() SubscribeOption {
	return func(o *subscribeOptions) { o.durable = false }
}

// WithBinding declares the exchange and binds the queue to it with the routing key.
func WithBinding(exchange string, typ messenger.ExchangeType, routingKey string) SubscribeOption {
	return func(o *subscribeOptions) {
		o.exchange, o.exchangeType, o.routingKey = exchange, typ, routingKey
	}
}

// CorrelatorOption configures a Correlator.
type CorrelatorOption func(*correlatorOptions)

type correlatorOptions struct {
	timeout    time.Duration
	replyQueue string
	newID      func() string
}

// WithDefaultTimeout sets the timeout used by requests made with a zero timeout.
func WithDefaultTimeout(d time.Duration) CorrelatorOption {
	return func(o *correlatorOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithReplyQueue overrides the generated reply queue name.
func WithReplyQueue(name string) CorrelatorOption {
	return func(o *correlatorOptions) {
		if name != "" {
			o.replyQueue = name
		}
	}
}
