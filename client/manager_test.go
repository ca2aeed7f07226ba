package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcosimioni/messenger"
	"github.com/marcosimioni/messenger/internal/brokertest"
)

func TestConnect(t *testing.T) {
	tt := []struct {
		Name     string
		Setup    func(b *brokertest.Broker) []Option
		Expected func(t *testing.T, b *brokertest.Broker, m *Manager, err error)
	}{
		{
			Name: "Valid",
			Setup: func(_ *brokertest.Broker) []Option {
				return nil
			},
			Expected: func(t *testing.T, b *brokertest.Broker, m *Manager, err error) {
				require.NoError(t, err)
				assert.Equal(t, Connected, m.State())
				assert.Equal(t, 1, b.Dials())
				require.IsType(t, &brokertest.Chan{}, m.ch)
				assert.Equal(t, int64(DefaultPrefetch), m.ch.(*brokertest.Chan).Prefetch())
			},
		},
		{
			Name: "Prefetch",
			Setup: func(_ *brokertest.Broker) []Option {
				return []Option{WithPrefetch(4)}
			},
			Expected: func(t *testing.T, _ *brokertest.Broker, m *Manager, err error) {
				require.NoError(t, err)
				assert.Equal(t, int64(4), m.ch.(*brokertest.Chan).Prefetch())
			},
		},
		{
			Name: "Unreachable",
			Setup: func(b *brokertest.Broker) []Option {
				b.FailDials(-1, errors.New("connection refused"))
				return nil
			},
			Expected: func(t *testing.T, b *brokertest.Broker, m *Manager, err error) {
				assert.Nil(t, m)
				assert.ErrorIs(t, err, messenger.ErrConnection)
				assert.False(t, messenger.IsRetryable(err))
				assert.Equal(t, 1, b.Dials(), "no connect retries by default")
			},
		},
		{
			Name: "ConnectRetries",
			Setup: func(b *brokertest.Broker) []Option {
				b.FailDials(2, errors.New("connection refused"))
				return []Option{WithConnectRetries(3)}
			},
			Expected: func(t *testing.T, b *brokertest.Broker, m *Manager, err error) {
				require.NoError(t, err)
				assert.Equal(t, Connected, m.State())
				assert.Equal(t, 3, b.Dials())
			},
		},
		{
			Name: "ConnectRetriesExhausted",
			Setup: func(b *brokertest.Broker) []Option {
				b.FailDials(-1, errors.New("access refused"))
				return []Option{WithConnectRetries(2)}
			},
			Expected: func(t *testing.T, b *brokertest.Broker, m *Manager, err error) {
				assert.Nil(t, m)
				assert.ErrorIs(t, err, messenger.ErrConnection)
				assert.Equal(t, 3, b.Dials())
			},
		},
	}

	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			b := brokertest.New()
			opts := append(fastRetries(), tc.Setup(b)...)
			m, err := Connect(context.Background(), b.Dialer(), opts...)
			if m != nil {
				defer m.Close()
			}
			tc.Expected(t, b, m, err)
		})
	}
}

func TestManager_Close(t *testing.T) {
	b := brokertest.New()
	m, err := Connect(context.Background(), b.Dialer(), fastRetries()...)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []string
	)
	hook := func(name string) func() {
		return func() {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
		}
	}
	m.OnClose(hook("first"))
	m.OnClose(hook("second"))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close(), "close is idempotent")

	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, []string{"second", "first"}, order)

	select {
	case <-m.Done():
	default:
		t.Fatal("done should be closed")
	}
}

func TestManager_ContextCancelCloses(t *testing.T) {
	b := brokertest.New()
	ctx, cancel := context.WithCancel(context.Background())
	m, err := Connect(ctx, b.Dialer(), fastRetries()...)
	require.NoError(t, err)

	cancel()
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("manager did not close with its context")
	}
	assert.Equal(t, Disconnected, m.State())
}

func TestManager_Reconnect(t *testing.T) {
	b := brokertest.New()
	m, err := Connect(context.Background(), b.Dialer(), fastRetries()...)
	require.NoError(t, err)
	defer m.Close()

	var reconnects int
	var mu sync.Mutex
	m.OnReconnect(func() error {
		mu.Lock()
		defer mu.Unlock()
		reconnects++
		return nil
	})

	first := m.generation()
	b.FailDials(2, errors.New("connection refused"))
	b.Drop()

	assert.Eventually(t, func() bool {
		return m.State() == Connected && m.generation() > first
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, reconnects)
	mu.Unlock()
	assert.Equal(t, 4, b.Dials(), "initial dial, two failures and the successful redial")
}

func TestManager_StaleCloseIgnored(t *testing.T) {
	b := brokertest.New()
	m, err := Connect(context.Background(), b.Dialer(), fastRetries()...)
	require.NoError(t, err)
	defer m.Close()

	m.lost(m.generation() - 1)
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, 1, b.Dials())
}

func TestManager_ReconnectExhausted(t *testing.T) {
	b := brokertest.New()
	m, err := Connect(context.Background(), b.Dialer(),
		WithReconnectBackoff(func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
		}),
	)
	require.NoError(t, err)

	b.FailDials(-1, errors.New("connection refused"))
	b.Drop()

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("manager should give up")
	}
	assert.Equal(t, Disconnected, m.State())

	err = NewPublisher(m).Publish(context.Background(), messenger.NewMessage("orders", []byte("x")))
	assert.ErrorIs(t, err, messenger.ErrTransport)
}
