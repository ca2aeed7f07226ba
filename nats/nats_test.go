package nats

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcosimioni/messenger"
)

// mockNATSConnHandlers the handlers the mock connection calls.
type mockNATSConnHandlers struct {
	PublishMsg         func(m *nats.Msg) error
	Flush              func() error
	ChanQueueSubscribe func(subj, group string, ch chan *nats.Msg) (*nats.Subscription, error)
	Drain              func() error
}

func newDefaultNATSConnHandlers() *mockNATSConnHandlers {
	return &mockNATSConnHandlers{
		PublishMsg: func(*nats.Msg) error { return nil },
		Flush:      func() error { return nil },
		ChanQueueSubscribe: func(string, string, chan *nats.Msg) (*nats.Subscription, error) {
			return &nats.Subscription{}, nil
		},
		Drain: func() error { return nil },
	}
}

type mockNATSConn struct {
	h *mockNATSConnHandlers

	mu        sync.Mutex
	closed    bool
	onClose   nats.ConnHandler
	onReconn  nats.ConnHandler
	published []*nats.Msg
	subs      map[string]chan *nats.Msg // subject to subscription channel.
}

func newMockNATSConn(h *mockNATSConnHandlers) *mockNATSConn {
	return &mockNATSConn{h: h, subs: make(map[string]chan *nats.Msg)}
}

func (m *mockNATSConn) PublishMsg(msg *nats.Msg) error {
	if err := m.h.PublishMsg(msg); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, msg)
	if ch, ok := m.subs[msg.Subject]; ok {
		ch <- msg
	}
	return nil
}

func (m *mockNATSConn) FlushWithContext(context.Context) error { return m.h.Flush() }
func (m *mockNATSConn) FlushTimeout(time.Duration) error       { return m.h.Flush() }

func (m *mockNATSConn) ChanQueueSubscribe(subj, group string, ch chan *nats.Msg) (*nats.Subscription, error) {
	sub, err := m.h.ChanQueueSubscribe(subj, group, ch)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[subj] = ch
	return sub, nil
}

func (m *mockNATSConn) SetClosedHandler(cb nats.ConnHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClose = cb
}
func (m *mockNATSConn) SetReconnectHandler(cb nats.ConnHandler) { m.onReconn = cb }

func (m *mockNATSConn) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Drain closes the connection in the background like the nats client does once the
// subscriptions are drained.
func (m *mockNATSConn) Drain() error {
	if err := m.h.Drain(); err != nil {
		return err
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		m.Close()
		m.mu.Lock()
		cb := m.onClose
		m.mu.Unlock()
		if cb != nil {
			cb(nil)
		}
	}()
	return nil
}

func (m *mockNATSConn) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

func (m *mockNATSConn) subjects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.subs))
	for s := range m.subs {
		out = append(out, s)
	}
	return out
}

// setupConnect replaces the nats connect function with one returning the mock.
func setupConnect(t *testing.T, mock *mockNATSConn, err error) {
	t.Helper()
	prevConnect, prevUnsubscribe := connect, unsubscribe
	connect = func(string, ...nats.Option) (natsConn, error) {
		if err != nil {
			return nil, err
		}
		return mock, nil
	}
	unsubscribe = func(*nats.Subscription) error { return nil }
	t.Cleanup(func() { connect, unsubscribe = prevConnect, prevUnsubscribe })
}

func dialMock(t *testing.T, h *mockNATSConnHandlers) (*mockNATSConn, messenger.Connection, messenger.Channel) {
	t.Helper()
	mock := newMockNATSConn(h)
	setupConnect(t, mock, nil)

	conn, err := Dial(context.Background(), "nats://localhost:4222")()
	require.NoError(t, err)
	ch, err := conn.Channel()
	require.NoError(t, err)
	return mock, conn, ch
}

func TestDial(t *testing.T) {
	tt := []struct {
		Name     string
		Err      error
		Expected func(t *testing.T, conn messenger.Connection, err error)
	}{
		{
			Name: "Valid",
			Expected: func(t *testing.T, conn messenger.Connection, err error) {
				require.NoError(t, err)
				assert.False(t, conn.IsClosed())
			},
		},
		{
			Name: "ErrFromNATS",
			Err:  nats.ErrNoServers,
			Expected: func(t *testing.T, conn messenger.Connection, err error) {
				assert.ErrorIs(t, err, nats.ErrNoServers)
				assert.Nil(t, conn)
			},
		},
	}

	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			setupConnect(t, newMockNATSConn(newDefaultNATSConnHandlers()), tc.Err)
			conn, err := Dial(context.Background(), "nats://localhost:4222")()
			tc.Expected(t, conn, err)
		})
	}
}

func TestChannel_Publish(t *testing.T) {
	tt := []struct {
		Name     string
		Setup    func(h *mockNATSConnHandlers)
		Exchange string
		Key      string
		Expected func(t *testing.T, mock *mockNATSConn, err error)
	}{
		{
			Name: "DefaultExchange",
			Key:  "orders",
			Expected: func(t *testing.T, mock *mockNATSConn, err error) {
				require.NoError(t, err)
				require.Len(t, mock.published, 1)
				msg := mock.published[0]
				assert.Equal(t, "orders", msg.Subject)
				assert.Equal(t, "reply.abc", msg.Reply)
				assert.Equal(t, "id-1", msg.Header.Get(headerCorrelationID))
				assert.Equal(t, "text/plain", msg.Header.Get(headerContentType))
				assert.Equal(t, "acme", msg.Header.Get("tenant"))
				assert.Equal(t, []byte("hello"), msg.Data)
			},
		},
		{
			Name:     "Exchange",
			Exchange: "events",
			Key:      "user.created",
			Expected: func(t *testing.T, mock *mockNATSConn, err error) {
				require.NoError(t, err)
				assert.Equal(t, "events.user.created", mock.published[0].Subject)
			},
		},
		{
			Name: "ErrFromPublish",
			Key:  "orders",
			Setup: func(h *mockNATSConnHandlers) {
				h.PublishMsg = func(*nats.Msg) error { return nats.ErrConnectionClosed }
			},
			Expected: func(t *testing.T, mock *mockNATSConn, err error) {
				assert.ErrorIs(t, err, nats.ErrConnectionClosed)
				assert.Empty(t, mock.published)
			},
		},
		{
			Name: "ErrFromFlush",
			Key:  "orders",
			Setup: func(h *mockNATSConnHandlers) {
				h.Flush = func() error { return nats.ErrTimeout }
			},
			Expected: func(t *testing.T, _ *mockNATSConn, err error) {
				assert.ErrorIs(t, err, nats.ErrTimeout)
			},
		},
	}

	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			h := newDefaultNATSConnHandlers()
			if tc.Setup != nil {
				tc.Setup(h)
			}
			mock, _, ch := dialMock(t, h)

			err := ch.Publish(context.Background(), tc.Exchange, tc.Key, messenger.Publishing{
				Properties: messenger.Properties{
					ContentType:   "text/plain",
					CorrelationID: "id-1",
					ReplyTo:       "reply.abc",
					Headers:       map[string]string{"tenant": "acme"},
				},
				Body: []byte("hello"),
			})
			tc.Expected(t, mock, err)
		})
	}
}

func TestChannel_Consume(t *testing.T) {
	mock, _, ch := dialMock(t, newDefaultNATSConnHandlers())
	ctx := context.Background()

	require.NoError(t, ch.CreateExchange(ctx, "events", messenger.ExchangeTypeFanout, true, false))
	q, err := ch.CreateQueue(ctx, "audit", true, false, false)
	require.NoError(t, err)
	require.NoError(t, q.Bind(ctx, "events", ""))

	deliveries, cancel, err := q.Consume(ctx, "c1", false, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"audit", "events", "events.>"}, mock.subjects())

	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, ch.Publish(ctx, "", "audit", messenger.Publishing{
		Properties: messenger.Properties{
			MessageID:  "m-1",
			Timestamp:  ts,
			Persistent: true,
			Headers:    map[string]string{"tenant": "acme"},
		},
		Body: []byte("hello"),
	}))

	select {
	case d := <-deliveries:
		body, rErr := io.ReadAll(d.Body())
		require.NoError(t, rErr)
		assert.Equal(t, "hello", string(body))
		assert.Equal(t, "audit", d.Destination())
		assert.False(t, d.Redelivered())
		assert.NoError(t, d.Ack())
		assert.NoError(t, d.Nack(true))

		p := d.Properties()
		assert.Equal(t, "m-1", p.MessageID)
		assert.True(t, ts.Equal(p.Timestamp))
		assert.True(t, p.Persistent)
		assert.Equal(t, map[string]string{"tenant": "acme"}, p.Headers)
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}

	cancel()
	_, ok := <-deliveries
	assert.False(t, ok, "deliveries close once the consume is cancelled")
}

func TestChannel_BindQueue_UnknownExchange(t *testing.T) {
	_, _, ch := dialMock(t, newDefaultNATSConnHandlers())
	assert.Error(t, ch.BindQueue(context.Background(), "audit", "events", "x"))
}

func TestChannel_Consume_ErrFromSubscribe(t *testing.T) {
	h := newDefaultNATSConnHandlers()
	h.ChanQueueSubscribe = func(string, string, chan *nats.Msg) (*nats.Subscription, error) {
		return nil, nats.ErrBadSubject
	}
	_, _, ch := dialMock(t, h)

	_, _, err := ch.Consume(context.Background(), "audit", "c1", false, false)
	assert.ErrorIs(t, err, nats.ErrBadSubject)
}

func TestConnection_Close(t *testing.T) {
	mock, conn, ch := dialMock(t, newDefaultNATSConnHandlers())

	var closes int64
	var mu sync.Mutex
	done := make(chan struct{})
	conn.NotifyClose(func() {
		mu.Lock()
		defer mu.Unlock()
		closes++
		close(done)
	})

	deliveries, _, err := ch.Consume(context.Background(), "audit", "c1", false, false)
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("close not emitted")
	}
	assert.True(t, mock.IsClosed())
	assert.True(t, conn.IsClosed())
	assert.True(t, ch.IsClosed())
	assert.ErrorIs(t, ch.Publish(context.Background(), "", "audit", messenger.Publishing{}), ErrClosed)

	_, ok := <-deliveries
	assert.False(t, ok)

	mu.Lock()
	assert.Equal(t, int64(1), closes)
	mu.Unlock()
}

func TestConnection_Close_Drain(t *testing.T) {
	tt := []struct {
		Name     string
		Setup    func(h *mockNATSConnHandlers)
		Expected func(t *testing.T, mock *mockNATSConn, err error)
	}{
		{
			Name:  "WaitsForDrain",
			Setup: func(*mockNATSConnHandlers) {},
			Expected: func(t *testing.T, mock *mockNATSConn, err error) {
				assert.NoError(t, err)
				assert.True(t, mock.IsClosed(), "close returns once the drain closed the connection")
			},
		},
		{
			Name: "ErrFromDrain",
			Setup: func(h *mockNATSConnHandlers) {
				h.Drain = func() error { return nats.ErrConnectionDraining }
			},
			Expected: func(t *testing.T, mock *mockNATSConn, err error) {
				assert.ErrorIs(t, err, nats.ErrConnectionDraining)
				assert.True(t, mock.IsClosed())
			},
		},
	}

	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			h := newDefaultNATSConnHandlers()
			tc.Setup(h)
			mock, conn, _ := dialMock(t, h)
			err := conn.Close()
			tc.Expected(t, mock, err)
			assert.True(t, conn.IsClosed())
		})
	}
}

func TestConnection_ServerClosed(t *testing.T) {
	mock, conn, ch := dialMock(t, newDefaultNATSConnHandlers())

	chClosed := make(chan struct{})
	ch.NotifyClose(func() { close(chClosed) })

	mock.Close()
	mock.onClose(nil)

	select {
	case <-chClosed:
	case <-time.After(time.Second):
		t.Fatal("channel close not emitted")
	}
	assert.True(t, conn.IsClosed())
	_, err := conn.Channel()
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "orders", subject("", "orders"))
	assert.Equal(t, "events", subject("events", ""))
	assert.Equal(t, "events.user.created", subject("events", "user.created"))
}
