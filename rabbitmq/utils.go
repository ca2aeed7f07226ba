package rabbitmq

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rabbitmq/amqp091-go"

	"github.com/marcosimioni/messenger/internal/logging"
)

// closer represents any stream which can be closed
// this is either a channel or the overall connection.
type closer interface {
	io.Closer
	notifier

	IsClosed() bool // IsClosed determines if a channel or connection is closed.
}

// isClosed helper function to check whether a connection or channel is closed.
func isClosed(ch closer) bool {
	return ch == nil || ch.IsClosed()
}

// logError helper function to log an error.
func logError(ctx context.Context, err error) {
	logging.ErrorDepth(ctx, 1, err)
}

// newBackoff the function to generate the backoff policy
// a variable in order to reduce the backoff in tests.
var newBackoff = defaultBackoff

// defaultBackoff generates a new backoff to use when performing reconnects.
func defaultBackoff(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
}

// retry runs op under the reconnect backoff, logging every failed attempt.
func retry(ctx context.Context, what string, op func() error) error {
	var attempt int
	return backoff.RetryNotify(op, newBackoff(ctx), func(err error, wait time.Duration) {
		attempt++
		logging.Logger.Warnf("rabbitmq: %s reconnect attempt %d failed, next in %s: %v", what, attempt, wait, err)
	})
}

// toTable converts string headers into an amqp091 table.
func toTable(h map[string]string) amqp091.Table {
	if len(h) == 0 {
		return nil
	}
	t := make(amqp091.Table, len(h))
	for k, v := range h {
		t[k] = v
	}
	return t
}

// fromTable converts an amqp091 table into string headers, non string values are formatted.
func fromTable(t amqp091.Table) map[string]string {
	if len(t) == 0 {
		return nil
	}
	h := make(map[string]string, len(t))
	for k, v := range t {
		switch val := v.(type) {
		case string:
			h[k] = val
		case []byte:
			h[k] = string(val)
		case time.Time:
			h[k] = val.UTC().Format(time.RFC3339)
		default:
			h[k] = fmt.Sprint(val)
		}
	}
	return h
}
