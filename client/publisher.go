package client

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"

	"github.com/marcosimioni/messenger"
)

// Publisher publishes messages over a Manager's shared channel.
type Publisher struct {
	m *Manager
}

// NewPublisher builds a publisher on top of the manager.
func NewPublisher(m *Manager) *Publisher {
	return &Publisher{m: m}
}

// Publish sends the message and returns once the broker has accepted it.
//
// A message which cannot be encoded fails with messenger.ErrSerialization and nothing is sent.
// When the manager is not connected, or the broker keeps failing after the configured number
// of retries, the error matches messenger.ErrTransport.
func (p *Publisher) Publish(ctx context.Context, msg messenger.Message) error {
	env, err := messenger.Marshal(msg)
	if err != nil {
		return err
	}
	if env.ContentType == "" {
		env.ContentType = mimetype.Detect(env.Body).String()
	}

	p.m.gate.RLock()
	defer p.m.gate.RUnlock()

	if s := p.m.State(); s != Connected {
		return messenger.NewError(messenger.ErrTransport, "publish", env.RoutingKey, errors.New("manager is "+s.String()))
	}

	b := backoff.WithContext(backoff.WithMaxRetries(p.m.opts.publishBackoff(), p.m.opts.publishRetries), ctx)
	err = backoff.Retry(func() error {
		pErr := p.m.withChannel(func(ch messenger.Channel, _ uint64) error {
			return ch.Publish(ctx, env.Exchange, env.RoutingKey, env.Publishing)
		})
		if pErr != nil && p.m.State() == Closing {
			return backoff.Permanent(pErr)
		}
		return pErr
	}, b)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = errors.Join(err, ctxErr)
		}
		return messenger.NewError(messenger.ErrTransport, "publish", env.RoutingKey, err)
	}
	return nil
}

// Reply publishes payload to the request's reply-to destination carrying its correlation id.
func (p *Publisher) Reply(ctx context.Context, request messenger.Message, payload []byte, opts ...messenger.MessageOption) error {
	if request.ReplyTo() == "" {
		return messenger.NewError(messenger.ErrSerialization, "reply", request.Destination(), errors.New("request has no reply-to destination"))
	}

	opts = append([]messenger.MessageOption{messenger.WithTransient()}, opts...)
	reply := messenger.NewMessage(request.ReplyTo(), payload, opts...).WithCorrelationID(request.CorrelationID())
	return p.Publish(ctx, reply)
}
