package signal

import (
	"context"
	"log"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/mvankuijk/parlo/internal/proto"
)

// PubSubBus is the production Bus: each call topic maps to one gossipsub
// topic. Topic handles are refcounted so Publish and Subscribe on the same
// topic share a single Join (gossipsub allows only one live handle per
// topic), and unreferenced topics linger joined for a while so first-contact
// publishes are not racing mesh formation.
type PubSubBus struct {
	ps     *pubsub.PubSub
	self   peer.ID
	topics *topicMap[*pubsub.Topic]
}

// NewPubSubBus wraps an existing gossipsub instance. self is the local peer
// ID; messages we published ourselves are dropped on receive.
func NewPubSubBus(ps *pubsub.PubSub, self peer.ID) *PubSubBus {
	return &PubSubBus{
		ps:   ps,
		self: self,
		topics: newTopicMap(
			func(name string) (*pubsub.Topic, error) { return ps.Join(name) },
			func(name string, t *pubsub.Topic) {
				if err := t.Close(); err != nil {
					log.Printf("SIG: close topic %s: %v", name, err)
				}
			},
			topicLinger,
		),
	}
}

// Publish encodes msg and publishes it on topic.
func (b *PubSubBus) Publish(ctx context.Context, topic string, msg proto.Message) error {
	t, err := b.topics.acquire(topic)
	if err != nil {
		return err
	}
	defer b.topics.release(topic)

	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return t.Publish(ctx, data)
}

// Subscribe starts a reader goroutine on topic. Messages published by the
// local peer and envelopes that fail to decode are dropped.
func (b *PubSubBus) Subscribe(topic string, fn Handler) (func(), error) {
	t, err := b.topics.acquire(topic)
	if err != nil {
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		b.topics.release(topic)
		return nil, err
	}

	ctx, cancelCtx := context.WithCancel(context.Background())
	go func() {
		for {
			m, err := sub.Next(ctx)
			if err != nil {
				return // subscription cancelled or topic closed
			}
			if m.ReceivedFrom == b.self {
				continue
			}
			msg, err := proto.Decode(m.Data)
			if err != nil {
				log.Printf("SIG: dropping malformed message on %s: %v", topic, err)
				continue
			}
			fn(msg)
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelCtx()
			sub.Cancel()
			b.topics.release(topic)
		})
	}
	return cancel, nil
}
