// Package signal carries call signaling messages between the two participants
// of a call. The Bus is deliberately thin: publish to a topic, subscribe to a
// topic. The transport guarantees per-kind FIFO ordering on a topic (a single
// session publishes each kind from one goroutine, and gossipsub preserves
// per-publisher order); messages of different kinds may interleave arbitrarily.
package signal

import (
	"context"

	"github.com/mvankuijk/parlo/internal/proto"
)

// Handler receives one decoded signaling message. Handlers must not block;
// long work belongs on the session's own event queue.
type Handler func(msg proto.Message)

// Bus is the signaling channel abstraction consumed by the call coordinator.
// Implementations: PubSubBus (libp2p gossipsub, production) and MemoryBus
// (in-process, tests and loopback runs).
type Bus interface {
	// Publish sends msg on topic. Best-effort: delivery to an absent peer is
	// not an error the caller can act on.
	Publish(ctx context.Context, topic string, msg proto.Message) error

	// Subscribe registers fn for every message arriving on topic and returns
	// a cancel func. Cancel is idempotent.
	Subscribe(topic string, fn Handler) (cancel func(), err error)
}
