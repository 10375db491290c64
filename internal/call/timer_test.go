package call

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestRingTimerFires(t *testing.T) {
	tm := newSessionTimer()
	defer tm.Stop()

	fired := make(chan struct{})
	tm.StartRing(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("ring timer never fired")
	}
}

func TestCancelRingPreventsFire(t *testing.T) {
	tm := newSessionTimer()
	defer tm.Stop()

	var fired atomic.Bool
	tm.StartRing(20*time.Millisecond, func() { fired.Store(true) })
	tm.CancelRing()

	time.Sleep(50 * time.Millisecond)
	if fired.Load() {
		t.Fatal("cancelled ring timer fired")
	}
}

func TestStartRingAfterStopIsNoop(t *testing.T) {
	tm := newSessionTimer()
	tm.Stop()
	tm.Stop() // idempotent

	var fired atomic.Bool
	tm.StartRing(5*time.Millisecond, func() { fired.Store(true) })
	time.Sleep(30 * time.Millisecond)
	if fired.Load() {
		t.Fatal("stopped timer armed a new ring")
	}
}

func TestClockTicks(t *testing.T) {
	tm := newSessionTimer()
	defer tm.Stop()

	ticks := make(chan time.Duration, 4)
	tm.StartClock(time.Now().Add(-3*time.Second), func(elapsed time.Duration) {
		select {
		case ticks <- elapsed:
		default:
		}
	})

	select {
	case elapsed := <-ticks:
		if elapsed < 3*time.Second {
			t.Fatalf("elapsed = %v, want >= 3s (measured from connectedAt)", elapsed)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("clock never ticked")
	}
}
