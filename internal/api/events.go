package api

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/mvankuijk/parlo/internal/call"
	"github.com/mvankuijk/parlo/internal/proto"
	"github.com/mvankuijk/parlo/internal/util"
)

// eventBacklog is how many recent events a new feed connection gets replayed.
const eventBacklog = 128

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API binds to loopback; the feed is consumed by local UIs which may
	// connect with a file:// or app:// origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is one entry on the /api/call/events feed.
type Event struct {
	Type      string `json:"type"` // incoming-call | state-changed | remote-media | duration
	SessionID string `json:"session_id"`
	TS        int64  `json:"ts"` // Unix millis

	// incoming-call
	Caller *call.Participant `json:"caller,omitempty"`
	Media  proto.MediaKind   `json:"media,omitempty"`

	// state-changed
	State  string         `json:"state,omitempty"`
	Reason call.EndReason `json:"reason,omitempty"`
	Remote string         `json:"remote,omitempty"`
	Role   call.Role      `json:"role,omitempty"`

	// duration
	ElapsedSec int64 `json:"elapsed_sec,omitempty"`
}

// eventHub fans coordinator events out to websocket connections. The
// coordinator's listener registries are append-only, so the hub registers
// once and manages per-connection subscriptions itself.
type eventHub struct {
	mu      sync.RWMutex
	conns   map[chan Event]struct{}
	backlog *util.RingBuffer[Event]
}

func newEventHub() *eventHub {
	return &eventHub{
		conns:   make(map[chan Event]struct{}),
		backlog: util.NewRingBuffer[Event](eventBacklog),
	}
}

// broadcast stores the event in the backlog and pushes it to every live
// connection. Slow consumers lose events rather than blocking the caller —
// session event loops must never stall on a stuck websocket.
func (h *eventHub) broadcast(ev Event) {
	h.backlog.Push(ev)
	h.mu.RLock()
	for ch := range h.conns {
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.RUnlock()
}

func (h *eventHub) subscribe() (ch chan Event, cancel func()) {
	// Sized like the backlog so a consumer busy replaying the snapshot does
	// not drop live events at the seam.
	ch = make(chan Event, h.backlog.Cap())
	h.mu.Lock()
	h.conns[ch] = struct{}{}
	h.mu.Unlock()

	cancel = func() {
		h.mu.Lock()
		if _, ok := h.conns[ch]; ok {
			delete(h.conns, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// serveEvents upgrades the request and streams the backlog followed by live
// events until the client disconnects.
func (h *eventHub) serveEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("API: events upgrade error: %v", err)
		return
	}
	defer conn.Close()

	// Snapshot before subscribing: events arriving during the replay are
	// buffered on the subscription channel, so a connection may see one
	// event twice at the seam but never misses one.
	snapshot := h.backlog.Snapshot()
	ch, cancel := h.subscribe()
	defer cancel()

	for _, ev := range snapshot {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}

	// Drain incoming control frames so pings keep the connection alive.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
