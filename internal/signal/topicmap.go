package signal

import (
	"sync"
	"time"
)

// topicLinger is how long an unreferenced gossipsub topic stays joined.
// Publish-only topics (a remote's invite topic, the pair topic of a busy
// rejection) would otherwise be joined, published, and left in one breath —
// before the mesh has formed, which can drop the very first message. The
// linger also lets a re-acquire reuse the still-warm handle.
const topicLinger = 30 * time.Second

// topicMap refcounts joined topics. Joining and leaving are injected so the
// map is independent of the transport; the last release arms a linger timer
// instead of leaving immediately, and an acquire within the window disarms it.
type topicMap[T any] struct {
	join   func(name string) (T, error)
	leave  func(name string, topic T)
	linger time.Duration

	mu      sync.Mutex
	entries map[string]*topicEntry[T]
}

type topicEntry[T any] struct {
	topic T
	refs  int
	evict *time.Timer // armed while refs == 0
}

func newTopicMap[T any](join func(string) (T, error), leave func(string, T), linger time.Duration) *topicMap[T] {
	return &topicMap[T]{
		join:    join,
		leave:   leave,
		linger:  linger,
		entries: make(map[string]*topicEntry[T]),
	}
}

// acquire joins (or reuses) the named topic and bumps its refcount.
func (m *topicMap[T]) acquire(name string) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[name]; ok {
		if e.evict != nil {
			e.evict.Stop()
			e.evict = nil
		}
		e.refs++
		return e.topic, nil
	}
	t, err := m.join(name)
	if err != nil {
		var zero T
		return zero, err
	}
	m.entries[name] = &topicEntry[T]{topic: t, refs: 1}
	return t, nil
}

// release drops one reference. The topic is left only after the linger
// elapses with the refcount still at zero.
func (m *topicMap[T]) release(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	if m.linger <= 0 {
		m.dropLocked(name, e)
		return
	}
	e.evict = time.AfterFunc(m.linger, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.entries[name]; ok && cur == e && e.refs == 0 {
			m.dropLocked(name, e)
		}
	})
}

// dropLocked removes the entry and leaves the topic. Caller holds m.mu.
func (m *topicMap[T]) dropLocked(name string, e *topicEntry[T]) {
	delete(m.entries, name)
	m.leave(name, e.topic)
}
