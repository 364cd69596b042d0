package rendezvous

import (
	"context"
	"sync"
)

// loopbackQueueDepth bounds undelivered payloads per subscription.
const loopbackQueueDepth = 16

// LoopbackClient is an in-memory Client connecting publishers and
// subscribers within one process. It plays the rendezvous service in tests
// the way the pipe transport plays the network.
type LoopbackClient struct {
	mu      sync.Mutex
	nextID  int
	subs    map[string]map[int]chan []byte
}

// NewLoopbackClient creates an empty loopback client.
func NewLoopbackClient() *LoopbackClient {
	return &LoopbackClient{subs: make(map[string]map[int]chan []byte)}
}

// Subscribe implements Client. Delivery is per-subscription FIFO; a
// subscription that falls more than loopbackQueueDepth payloads behind drops
// the overflow.
func (c *LoopbackClient) Subscribe(ctx context.Context, topic string, handler func(payload []byte)) error {
	queue := make(chan []byte, loopbackQueueDepth)

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	if c.subs[topic] == nil {
		c.subs[topic] = make(map[int]chan []byte)
	}
	c.subs[topic][id] = queue
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.subs[topic], id)
		if len(c.subs[topic]) == 0 {
			delete(c.subs, topic)
		}
		c.mu.Unlock()
	}()

	for {
		select {
		case payload := <-queue:
			handler(payload)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Publish implements Client.
func (c *LoopbackClient) Publish(_ context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	queues := make([]chan []byte, 0, len(c.subs[topic]))
	for _, queue := range c.subs[topic] {
		queues = append(queues, queue)
	}
	c.mu.Unlock()

	for _, queue := range queues {
		select {
		case queue <- payload:
		default:
		}
	}
	return nil
}

// Subscribers reports the live subscription count for a topic.
func (c *LoopbackClient) Subscribers(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs[topic])
}

var _ Client = (*LoopbackClient)(nil)
