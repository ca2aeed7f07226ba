package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcosimioni/messenger"
	"github.com/marcosimioni/messenger/internal/logging"
)

var errManagerClosed = errors.New("manager closed")

type requestState int

const (
	stateUnset requestState = iota
	stateFulfilled
	stateTimedOut
	stateErrored
)

type result struct {
	msg messenger.Message
	err error
}

// pendingRequest a request waiting for its reply.
type pendingRequest struct {
	id       string
	created  time.Time
	deadline time.Time
	state    requestState
	result   chan result // buffered, written at most once.
}

// Correlator sends requests and pairs them with their replies by correlation id.
//
// Replies are consumed from a private, exclusive reply queue. A reply resolves its
// pending request without blocking the consumer, replies nobody waits for are dropped.
type Correlator struct {
	m          *Manager
	publisher  *Publisher
	replyQueue string
	timeout    time.Duration
	newID      func() string

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool
}

// NewCorrelator declares the reply queue and subscribes to it. Every pending request
// fails with messenger.ErrCancelled when the manager closes.
func NewCorrelator(ctx context.Context, m *Manager, publisher *Publisher, consumer *Consumer, opts ...CorrelatorOption) (*Correlator, error) {
	o := correlatorOptions{
		timeout:    DefaultRequestTimeout,
		replyQueue: "reply." + uuid.NewString()[:8],
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Correlator{
		m:          m,
		publisher:  publisher,
		replyQueue: o.replyQueue,
		timeout:    o.timeout,
		newID:      o.newID,
		pending:    make(map[string]*pendingRequest),
	}

	err := consumer.Subscribe(ctx, c.replyQueue, c.handleReply,
		WithExclusive(),
		WithAutoDelete(),
		WithTransientQueue(),
		WithUnsubscribePolicy(PolicyAck),
	)
	if err != nil {
		return nil, err
	}

	m.OnClose(c.cancelAll)
	return c, nil
}

// ReplyQueue the queue replies are consumed from.
func (c *Correlator) ReplyQueue() string { return c.replyQueue }

// Outstanding the number of requests still waiting for a reply.
func (c *Correlator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Request publishes msg with a fresh correlation id and waits for the reply.
//
// A zero timeout uses the correlator's default. The wait ends with the reply, with an
// error matching messenger.ErrTimeout once the timeout has elapsed, with the context
// error when ctx ends first or with messenger.ErrCancelled when the manager closes.
func (c *Correlator) Request(ctx context.Context, msg messenger.Message, timeout time.Duration) (messenger.Message, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}

	p, err := c.register(timeout)
	if err != nil {
		return messenger.Message{}, messenger.NewError(messenger.ErrCancelled, "request", msg.Destination(), err)
	}

	msg = msg.WithCorrelationID(p.id).WithReplyTo(c.replyQueue)
	if err = c.publisher.Publish(ctx, msg); err != nil {
		if c.finish(p, stateErrored) {
			return messenger.Message{}, err
		}
		// cancelled by Close while publishing.
		r := <-p.result
		return r.msg, r.err
	}

	timer := time.NewTimer(time.Until(p.deadline))
	defer timer.Stop()

	select {
	case r := <-p.result:
		return r.msg, r.err
	case <-timer.C:
		if c.finish(p, stateTimedOut) {
			return messenger.Message{}, messenger.NewError(messenger.ErrTimeout, "request", msg.Destination(),
				fmt.Errorf("no reply within %s", timeout))
		}
	case <-ctx.Done():
		if c.finish(p, stateErrored) {
			return messenger.Message{}, ctx.Err()
		}
	}

	// resolved while we were giving up, the result is already buffered.
	r := <-p.result
	return r.msg, r.err
}

// register creates the pending request under an id no outstanding request uses.
func (c *Correlator) register(timeout time.Duration) (*pendingRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errManagerClosed
	}

	id := c.newID()
	for _, taken := c.pending[id]; taken; _, taken = c.pending[id] {
		id = c.newID()
	}

	now := time.Now()
	p := &pendingRequest{
		id:       id,
		created:  now,
		deadline: now.Add(timeout),
		result:   make(chan result, 1),
	}
	c.pending[id] = p
	return p, nil
}

// finish removes the pending request if it is still outstanding, it reports whether
// the caller won the race against a reply.
func (c *Correlator) finish(p *pendingRequest, state requestState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[p.id] != p {
		return false
	}
	delete(c.pending, p.id)
	p.state = state
	return true
}

// resolve completes the pending request for id, it never blocks.
func (c *Correlator) resolve(id string, r result, state requestState) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		p.state = state
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	select {
	case p.result <- r:
	default:
	}
	return true
}

func (c *Correlator) handleReply(_ context.Context, msg messenger.Message) error {
	id := msg.CorrelationID()
	if !c.resolve(id, result{msg: msg}, stateFulfilled) {
		logging.Logger.Debugf("dropping reply %q: no pending request", id)
	}
	return nil
}

// cancelAll fails every pending request, no request can be registered afterwards.
func (c *Correlator) cancelAll() {
	c.mu.Lock()
	c.closed = true
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.resolve(id, result{err: messenger.NewError(messenger.ErrCancelled, "request", "", errManagerClosed)}, stateErrored)
	}
}
