package kafka

import (
	"context"

	"github.com/twmb/franz-go/pkg/kgo"
)

// the file narrows *kgo.Client to what the binding uses, so it can be replaced in tests.

// newClient is the function used to build franz-go clients.
var newClient = func(opts ...kgo.Opt) (kgoClient, error) {
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return cl, nil
}

// see: github.com/twmb/franz-go/pkg/kgo/client.go
type kgoClient interface {
	Ping(ctx context.Context) error
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	Close()
}
