package nats

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
)

// the file narrows *nats.Conn to what the binding uses, so it can be replaced in tests.

var (
	// connect is the function used to connect to a nats server.
	connect = func(url string, opts ...nats.Option) (natsConn, error) {
		nc, err := nats.Connect(url, opts...)
		if err != nil {
			return nil, err
		}
		return nc, nil
	}

	// unsubscribe removes interest on a subscription.
	unsubscribe = func(sub *nats.Subscription) error {
		return sub.Unsubscribe()
	}
)

// see: github.com/nats-io/nats.go/nats.go
type natsConn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	FlushTimeout(timeout time.Duration) error
	ChanQueueSubscribe(subj, group string, ch chan *nats.Msg) (*nats.Subscription, error)
	SetClosedHandler(cb nats.ConnHandler)
	SetReconnectHandler(cb nats.ConnHandler)
	IsClosed() bool
	Drain() error
	Close()
}
