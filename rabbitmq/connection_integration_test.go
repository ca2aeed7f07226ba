//go:build integration
// +build integration

package rabbitmq

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcosimioni/messenger/management"
)

// vHost the virtual hosts to run tests on.
const vHost = "/integration"

func integrationURLFromEnv() string {
	url := os.Getenv("AMQP_URL")
	if url == "" {
		url = "amqp://"
	}
	return url
}

func managementFromEnv(t *testing.T) *management.Client {
	url := os.Getenv("AMQP_MANAGEMENT_URL")
	if url == "" {
		url = "http://localhost:15672"
	}
	m, err := management.New(management.Config{URL: url, Username: "guest", Password: "guest"})
	require.NoError(t, err)
	return m
}

func integrationConfig() Config {
	return Config{
		SASL:  []Authentication{&PlainAuth{Username: "guest", Password: "guest"}},
		Vhost: vHost,
	}
}

// teardown removes the integration vhost and any state left in it by previous tests.
func teardown(t *testing.T) {
	require.NoError(t, managementFromEnv(t).DeleteVhost(vHost))
}

// setup performs an initial teardown and then creates the vhost used for testing.
func setup(t *testing.T) {
	teardown(t)
	m := managementFromEnv(t)
	require.NoError(t, m.EnsureVhost(vHost))
	require.NoError(t, m.GrantPermissions(vHost, "guest"))
}

// forceConnectionClose closes every connection on the integration vhost, retrying until one is closed.
//
// not intended for use on production instances.
func forceConnectionClose(t *testing.T) {
	m := managementFromEnv(t)
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		n, err := m.CloseConnections(vHost)
		require.NoError(t, err)
		if n > 0 {
			return
		}
		// the management api lags behind new connections.
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("timeout attempting to force connection close")
}

func reset() {
	dial = amqp091.Dial
	dialConfig = amqp091.DialConfig
}

// TestDial_Integration tests we can successfully connect to a locally running rabbitmq-server
func TestDial_Integration(t *testing.T) {
	reset()
	con, err := Dial(context.Background(), integrationURLFromEnv())()
	require.NoError(t, err)
	assert.NotNil(t, con)
	assert.NoError(t, con.Close())
}

// TestDialConfig_Integration tests we can connect to the integration vhost with explicit credentials.
func TestDialConfig_Integration(t *testing.T) {
	reset()
	setup(t)
	defer teardown(t)

	con, err := DialConfig(context.Background(), integrationURLFromEnv(), integrationConfig())()
	require.NoError(t, err)
	assert.NotNil(t, con)
	assert.NoError(t, con.Close())
}

// TestConnection_Reconnection_Integration forces a server side close and expects the connection
// to come back and to be usable afterwards.
func TestConnection_Reconnection_Integration(t *testing.T) {
	reset()
	setup(t)
	defer teardown(t)

	conn, err := DialConfig(context.Background(), integrationURLFromEnv(), integrationConfig())()
	require.NoError(t, err)
	defer conn.Close()

	reconnected := make(chan struct{}, 1)
	conn.NotifyReconnect(func() {
		select {
		case reconnected <- struct{}{}:
		default:
		}
	})

	forceConnectionClose(t)

	select {
	case <-reconnected:
	case <-time.After(30 * time.Second):
		t.Fatal("connection did not reconnect")
	}

	ch, err := conn.Channel()
	require.NoError(t, err)
	assert.NoError(t, ch.Close())
	assert.False(t, conn.IsClosed())
}
