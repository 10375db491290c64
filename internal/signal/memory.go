package signal

import (
	"context"
	"sync"

	"github.com/mvankuijk/parlo/internal/proto"
)

// MemoryBus is an in-process Bus used by tests and single-process loopback
// runs. Delivery is synchronous and in publish order, which trivially
// satisfies the per-kind FIFO guarantee.
//
// Unlike PubSubBus it does not filter out the publisher's own messages —
// subscribers are expected to discard envelopes not addressed to them, which
// every call handler does anyway.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string]map[int]Handler
	next int
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[int]Handler)}
}

func (b *MemoryBus) Publish(_ context.Context, topic string, msg proto.Message) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[topic]))
	for _, fn := range b.subs[topic] {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(msg)
	}
	return nil
}

func (b *MemoryBus) Subscribe(topic string, fn Handler) (func(), error) {
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]Handler)
	}
	id := b.next
	b.next++
	b.subs[topic][id] = fn
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[topic], id)
			b.mu.Unlock()
		})
	}
	return cancel, nil
}
