package call

import (
	"sync"
	"time"
)

// DefaultRingTimeout is the window a call waits for the callee to accept or
// reject before it is abandoned with Ended(timeout).
const DefaultRingTimeout = 30 * time.Second

// SessionTimer owns the two clocks of one session: the ring timeout and the
// connected-duration ticker. The ring timer forces a terminal transition on
// expiry; the duration ticker is purely observational and never affects
// state. Stop is idempotent and releases both.
type SessionTimer struct {
	mu    sync.Mutex
	ring  *time.Timer
	tick  *time.Ticker
	done  chan struct{}
	ended bool
}

func newSessionTimer() *SessionTimer {
	return &SessionTimer{done: make(chan struct{})}
}

// StartRing arms the ring timeout. fire is invoked from the timer goroutine;
// callers enqueue the expiry onto the session's event queue rather than
// transitioning directly.
func (t *SessionTimer) StartRing(d time.Duration, fire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended || t.ring != nil {
		return
	}
	t.ring = time.AfterFunc(d, fire)
}

// CancelRing disarms the ring timeout. Called on any transition out of
// Calling/Ringing.
func (t *SessionTimer) CancelRing() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ring != nil {
		t.ring.Stop()
		t.ring = nil
	}
}

// StartClock starts the 1 Hz connected-duration ticker. onTick receives the
// elapsed time since connectedAt on every tick; it feeds the external
// duration display only.
func (t *SessionTimer) StartClock(connectedAt time.Time, onTick func(elapsed time.Duration)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended || t.tick != nil {
		return
	}
	t.tick = time.NewTicker(time.Second)
	tick := t.tick
	go func() {
		for {
			select {
			case <-t.done:
				return
			case now := <-tick.C:
				onTick(now.Sub(connectedAt))
			}
		}
	}()
}

// Stop releases both clocks. Safe to call more than once.
func (t *SessionTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return
	}
	t.ended = true
	if t.ring != nil {
		t.ring.Stop()
		t.ring = nil
	}
	if t.tick != nil {
		t.tick.Stop()
		t.tick = nil
	}
	close(t.done)
}
