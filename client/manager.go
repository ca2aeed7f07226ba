package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/marcosimioni/messenger"
	"github.com/marcosimioni/messenger/internal/logging"
)

// errNotConnected returned when there is no usable channel.
var errNotConnected = errors.New("not connected")

// State the lifecycle state of a Manager.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Manager owns a broker connection and the channel shared by the components built on it.
//
// When the connection or channel closes unexpectedly the manager redials in the background,
// reapplies the QoS settings and runs the reconnect hooks so subscriptions are re-established.
type Manager struct {
	dialer messenger.Dialer
	opts   options

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex // guards the fields below.
	state State
	gen   uint64 // incremented on every successful open, stale close notifications are ignored.
	conn  messenger.Connection
	ch    messenger.Channel

	chMu sync.Mutex   // serializes use of the shared channel.
	gate sync.RWMutex // held for reading by in-flight publishes, Close takes it to wait for them.

	hookMu     sync.Mutex
	closes     []func()
	reconnects []func() error

	reconnWG  sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// Connect dials the broker, opens the shared channel and applies the QoS prefetch.
//
// ctx bounds the lifetime of the manager, once it is done the manager closes.
func Connect(ctx context.Context, dialer messenger.Dialer, opts ...Option) (*Manager, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	mctx, cancel := context.WithCancel(ctx)
	m := &Manager{
		dialer: dialer,
		opts:   o,
		ctx:    mctx,
		cancel: cancel,
		state:  Connecting,
		done:   make(chan struct{}),
	}

	b := backoff.WithContext(backoff.WithMaxRetries(o.reconnectBackoff(), o.connectRetries), ctx)
	if err := backoff.Retry(func() error { return m.open(ctx) }, b); err != nil {
		cancel()
		m.setState(Disconnected)
		close(m.done)
		return nil, messenger.NewError(messenger.ErrConnection, "connect", "", err)
	}

	m.setState(Connected)
	go m.background()
	return m, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Done is closed once the manager has shut down for good.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Close shuts the manager down, it is safe to call more than once.
//
// The close hooks run first (pending requests fail, subscriptions stop), then in-flight
// publishes are waited for and finally the channel and connection are closed.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.setState(Closing)
		m.cancel()
		m.reconnWG.Wait()
		m.closeErr = m.shutdown()
	})
	<-m.done
	return m.closeErr
}

// OnClose registers a hook run when the manager starts closing, hooks run in reverse
// registration order.
func (m *Manager) OnClose(fn func()) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.closes = append(m.closes, fn)
}

// OnReconnect registers a hook run after the connection has been re-established.
//
// A hook returning an error is run again under the reconnect backoff, so hooks have to
// skip the work they already completed. The manager only reports Connected once every
// hook has succeeded.
func (m *Manager) OnReconnect(fn func() error) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.reconnects = append(m.reconnects, fn)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

// withChannel runs fn against the shared channel, calls never interleave.
func (m *Manager) withChannel(fn func(ch messenger.Channel, gen uint64) error) error {
	m.chMu.Lock()
	defer m.chMu.Unlock()

	m.mu.RLock()
	ch, gen := m.ch, m.gen
	m.mu.RUnlock()

	if ch == nil || ch.IsClosed() {
		return errNotConnected
	}
	return fn(ch, gen)
}

func (m *Manager) generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gen
}

// open dials a new connection and channel and makes them current.
func (m *Manager) open(ctx context.Context) error {
	conn, err := m.dialer()
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		logging.Error(ctx, conn.Close())
		return err
	}

	if err = ch.QoS(ctx, int64(m.opts.prefetch), 0, false); err != nil {
		logging.Error(ctx, ch.Close())
		logging.Error(ctx, conn.Close())
		return err
	}

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.conn, m.ch = conn, ch
	m.mu.Unlock()

	conn.NotifyClose(func() { m.lost(gen) })
	ch.NotifyClose(func() { m.lost(gen) })
	return nil
}

// lost handles a close notification for the connection or channel of a generation.
func (m *Manager) lost(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != Connected {
		m.mu.Unlock()
		return
	}
	m.state = Connecting
	m.reconnWG.Add(1)
	m.mu.Unlock()

	go m.reconnect()
}

func (m *Manager) reconnect() {
	defer m.reconnWG.Done()

	logging.Logger.Warn("connection lost, reconnecting")
	m.discard()

	notify := func(err error, next time.Duration) {
		logging.Logger.Warnf("reconnect failed, retrying in %s: %v", next, err)
	}
	err := backoff.RetryNotify(func() error {
		if !m.usable() {
			m.discard()
			if err := m.open(m.ctx); err != nil {
				return err
			}
		}
		if m.State() != Connecting {
			return nil
		}
		return m.runReconnectHooks()
	}, backoff.WithContext(m.opts.reconnectBackoff(), m.ctx), notify)

	if err != nil {
		if m.ctx.Err() != nil {
			return // closing.
		}
		logging.Error(m.ctx, messenger.NewError(messenger.ErrConnection, "reconnect", "", err))
		m.setState(Disconnected)
		go func() { logging.Error(context.Background(), m.Close()) }()
		return
	}

	m.mu.Lock()
	if m.state != Connecting {
		m.mu.Unlock()
		return
	}
	m.state = Connected
	ch, gen := m.ch, m.gen
	m.mu.Unlock()
	logging.Logger.Info("reconnected")

	// the new channel may have died while the hooks ran.
	if ch == nil || ch.IsClosed() {
		m.lost(gen)
	}
}

// usable reports whether the current channel and connection are open.
func (m *Manager) usable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ch != nil && !m.ch.IsClosed() && m.conn != nil && !m.conn.IsClosed()
}

// runReconnectHooks runs every reconnect hook, the failures are joined.
func (m *Manager) runReconnectHooks() error {
	m.hookMu.Lock()
	hooks := append([]func() error{}, m.reconnects...)
	m.hookMu.Unlock()

	var errs []error
	for _, fn := range hooks {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}

// discard closes what is left of the current connection.
func (m *Manager) discard() {
	m.mu.Lock()
	ch, conn := m.ch, m.conn
	m.ch, m.conn = nil, nil
	m.mu.Unlock()

	if ch != nil && !ch.IsClosed() {
		logging.Error(m.ctx, ch.Close())
	}
	if conn != nil && !conn.IsClosed() {
		logging.Error(m.ctx, conn.Close())
	}
}

func (m *Manager) shutdown() error {
	defer close(m.done)

	m.hookMu.Lock()
	hooks := append([]func(){}, m.closes...)
	m.hookMu.Unlock()
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}

	m.gate.Lock()
	defer m.gate.Unlock()

	m.chMu.Lock()
	m.mu.Lock()
	ch, conn := m.ch, m.conn
	m.ch, m.conn = nil, nil
	m.mu.Unlock()
	m.chMu.Unlock()

	var errs []error
	if ch != nil && !ch.IsClosed() {
		errs = append(errs, ch.Close())
	}
	if conn != nil && !conn.IsClosed() {
		errs = append(errs, conn.Close())
	}

	m.setState(Disconnected)
	return errors.Join(errs...)
}

// background closes the manager once its context is done.
func (m *Manager) background() {
	<-m.ctx.Done()
	logging.Error(context.Background(), m.Close())
}
