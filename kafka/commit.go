package kafka

import (
	"context"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

type topicPartition struct {
	topic     string
	partition int32
}

// commits tracks the records handed out by one consume per partition. A settled record is
// only committed once every record before it on the partition is settled too, so acks
// arriving out of order from concurrent workers never commit past an unhandled record.
type commits struct {
	client kgoClient

	mu      sync.Mutex // held across CommitRecords, commits never race each other.
	pending map[topicPartition][]*kgo.Record
	settled map[*kgo.Record]bool
}

func newCommits(client kgoClient) *commits {
	return &commits{
		client:  client,
		pending: make(map[topicPartition][]*kgo.Record),
		settled: make(map[*kgo.Record]bool),
	}
}

// track registers r as handed out, records are tracked in fetch order.
func (c *commits) track(r *kgo.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tp := topicPartition{r.Topic, r.Partition}
	c.pending[tp] = append(c.pending[tp], r)
}

// settle marks r handled and commits the settled prefix of its partition.
func (c *commits) settle(ctx context.Context, r *kgo.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tp := topicPartition{r.Topic, r.Partition}
	pending := c.pending[tp]
	tracked := false
	for _, p := range pending {
		if p == r {
			tracked = true
			break
		}
	}
	if !tracked {
		return nil // settled before, or never handed out.
	}
	c.settled[r] = true

	var last *kgo.Record
	for len(pending) > 0 && c.settled[pending[0]] {
		last = pending[0]
		delete(c.settled, last)
		pending = pending[1:]
	}
	if len(pending) == 0 {
		delete(c.pending, tp)
	} else {
		c.pending[tp] = pending
	}

	if last == nil {
		return nil
	}
	return c.client.CommitRecords(ctx, last)
}
