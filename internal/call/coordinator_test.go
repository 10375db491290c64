package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mvankuijk/parlo/internal/proto"
	"github.com/mvankuijk/parlo/internal/signal"
)

type testPeer struct {
	id       string
	coord    *Coordinator
	factory  *fakeFactory
	incoming chan IncomingCall
}

func newTestPeer(t *testing.T, bus signal.Bus, id string, ringTimeout time.Duration) *testPeer {
	t.Helper()
	p := &testPeer{
		id:       id,
		factory:  &fakeFactory{},
		incoming: make(chan IncomingCall, 4),
	}
	coord, err := NewCoordinator(Options{
		Self:        Participant{ID: id, DisplayName: id},
		Bus:         bus,
		Engine:      p.factory.new,
		RingTimeout: ringTimeout,
	})
	if err != nil {
		t.Fatal(err)
	}
	coord.OnIncoming(func(ic IncomingCall) { p.incoming <- ic })
	p.coord = coord
	t.Cleanup(coord.Close)
	return p
}

func (p *testPeer) waitIncoming(t *testing.T) IncomingCall {
	t.Helper()
	select {
	case ic := <-p.incoming:
		return ic
	case <-time.After(2 * time.Second):
		t.Fatal("no incoming call")
		return IncomingCall{}
	}
}

func TestCallHappyPath(t *testing.T) {
	bus := signal.NewMemoryBus()
	alice := newTestPeer(t, bus, "alice", 5*time.Second)
	bob := newTestPeer(t, bus, "bob", 5*time.Second)

	aliceSess, err := alice.coord.InitiateCall(Participant{ID: "bob"}, proto.MediaAudio)
	if err != nil {
		t.Fatal(err)
	}
	waitState(t, aliceSess, StateCalling)

	ic := bob.waitIncoming(t)
	if ic.Caller.ID != "alice" || ic.Media != proto.MediaAudio {
		t.Fatalf("incoming call = %+v", ic)
	}
	bobSess, ok := bob.coord.GetSession(ic.SessionID)
	if !ok {
		t.Fatal("no callee session")
	}
	waitState(t, bobSess, StateRinging)

	if aliceSess.ID() != bobSess.ID() {
		t.Fatalf("session ids differ: %s vs %s", aliceSess.ID(), bobSess.ID())
	}

	ic.Accept()
	waitState(t, bobSess, StateNegotiating)
	waitState(t, aliceSess, StateNegotiating)

	// Both engines exist once the offer/answer exchange ran; report ICE
	// success on each side.
	aliceEng := alice.factory.engine(t, 0)
	bobEng := bob.factory.engine(t, 0)
	aliceEng.connected()
	bobEng.connected()

	waitState(t, aliceSess, StateConnected)
	waitState(t, bobSess, StateConnected)
	if aliceSess.ConnectedAt().IsZero() {
		t.Fatal("caller connectedAt not set")
	}

	if err := alice.coord.HangUp(aliceSess.ID()); err != nil {
		t.Fatal(err)
	}
	waitState(t, aliceSess, StateEnded)
	waitState(t, bobSess, StateEnded)

	if got := aliceSess.EndedReason(); got != EndCompleted {
		t.Fatalf("caller end reason = %s, want %s", got, EndCompleted)
	}
	if got := bobSess.EndedReason(); got != EndRemoteHangup {
		t.Fatalf("callee end reason = %s, want %s", got, EndRemoteHangup)
	}

	// Both coordinators must have released the pair.
	waitFor(t, "sessions removed", func() bool {
		_, a := alice.coord.GetSession(aliceSess.ID())
		_, b := bob.coord.GetSession(bobSess.ID())
		return !a && !b
	})
	if !aliceEng.isClosed() || !bobEng.isClosed() {
		t.Fatal("engines not closed on end")
	}
}

func TestCallRejected(t *testing.T) {
	bus := signal.NewMemoryBus()
	alice := newTestPeer(t, bus, "alice", 5*time.Second)
	bob := newTestPeer(t, bus, "bob", 5*time.Second)

	aliceSess, err := alice.coord.InitiateCall(Participant{ID: "bob"}, proto.MediaVideo)
	if err != nil {
		t.Fatal(err)
	}

	ic := bob.waitIncoming(t)
	bobSess, _ := bob.coord.GetSession(ic.SessionID)
	ic.Reject()

	waitState(t, bobSess, StateEnded)
	waitState(t, aliceSess, StateEnded)
	if got := bobSess.EndedReason(); got != EndRejected {
		t.Fatalf("callee end reason = %s, want %s", got, EndRejected)
	}
	if got := aliceSess.EndedReason(); got != EndRejected {
		t.Fatalf("caller end reason = %s, want %s", got, EndRejected)
	}
}

func TestCallerCancelsWhileRinging(t *testing.T) {
	bus := signal.NewMemoryBus()
	alice := newTestPeer(t, bus, "alice", 5*time.Second)
	bob := newTestPeer(t, bus, "bob", 5*time.Second)

	aliceSess, err := alice.coord.InitiateCall(Participant{ID: "bob"}, proto.MediaAudio)
	if err != nil {
		t.Fatal(err)
	}
	ic := bob.waitIncoming(t)
	bobSess, _ := bob.coord.GetSession(ic.SessionID)
	waitState(t, bobSess, StateRinging)

	aliceSess.HangUp()

	waitState(t, aliceSess, StateEnded)
	waitState(t, bobSess, StateEnded)
	if got := aliceSess.EndedReason(); got != EndCancelled {
		t.Fatalf("caller end reason = %s, want %s", got, EndCancelled)
	}
	if got := bobSess.EndedReason(); got != EndCancelled {
		t.Fatalf("callee end reason = %s, want %s", got, EndCancelled)
	}
}

func TestRingTimeout(t *testing.T) {
	bus := signal.NewMemoryBus()
	// Caller times out quickly; callee's own window is long so its end is
	// driven by the caller's call_end, deterministically.
	alice := newTestPeer(t, bus, "alice", 30*time.Millisecond)
	bob := newTestPeer(t, bus, "bob", 10*time.Second)

	aliceSess, err := alice.coord.InitiateCall(Participant{ID: "bob"}, proto.MediaAudio)
	if err != nil {
		t.Fatal(err)
	}
	ic := bob.waitIncoming(t)
	bobSess, _ := bob.coord.GetSession(ic.SessionID)

	waitState(t, aliceSess, StateEnded)
	if got := aliceSess.EndedReason(); got != EndTimeout {
		t.Fatalf("caller end reason = %s, want %s", got, EndTimeout)
	}

	waitState(t, bobSess, StateEnded)
	if got := bobSess.EndedReason(); got != EndCancelled {
		t.Fatalf("callee end reason = %s, want %s", got, EndCancelled)
	}

	// The accept raced with the timeout and lost; it must be a silent no-op.
	ic.Accept()
	time.Sleep(20 * time.Millisecond)
	if got := bobSess.State(); got != StateEnded {
		t.Fatalf("accept revived an ended session: %s", got)
	}
	if got := bobSess.EndedReason(); got != EndCancelled {
		t.Fatalf("accept changed end reason to %s", got)
	}
}

func TestBusyDuplicateCallRequest(t *testing.T) {
	bus := signal.NewMemoryBus()
	alice := newTestPeer(t, bus, "alice", 5*time.Second)
	bob := newTestPeer(t, bus, "bob", 5*time.Second)

	aliceSess, err := alice.coord.InitiateCall(Participant{ID: "bob"}, proto.MediaAudio)
	if err != nil {
		t.Fatal(err)
	}
	ic := bob.waitIncoming(t)
	bobSess, _ := bob.coord.GetSession(ic.SessionID)
	ic.Accept()
	waitState(t, aliceSess, StateNegotiating)
	alice.factory.engine(t, 0).connected()
	bob.factory.engine(t, 0).connected()
	waitState(t, aliceSess, StateConnected)
	waitState(t, bobSess, StateConnected)

	// Watch the pair topic for bob's busy answer.
	rejected := make(chan proto.Message, 1)
	cancel, err := bus.Subscribe(proto.CallTopic("alice", "bob"), func(m proto.Message) {
		if m.Kind == proto.KindCallRejected && m.From == "bob" {
			rejected <- m
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	// A replayed invite for the connected pair is answered with a busy
	// rejection, without creating a second session.
	req, err := proto.NewMessage(proto.KindCallRequest, "alice", "bob", proto.CallRequestPayload{
		CallerID:  "alice",
		TargetID:  "bob",
		MediaKind: proto.MediaAudio,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Publish(context.Background(), proto.InviteTopic("bob"), req); err != nil {
		t.Fatal(err)
	}

	select {
	case m := <-rejected:
		var p proto.CallRejectedPayload
		if err := m.DecodePayload(&p); err != nil {
			t.Fatal(err)
		}
		if !p.Busy || m.To != "alice" {
			t.Fatalf("busy rejection = %+v, payload %+v", m, p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no busy rejection published")
	}

	select {
	case extra := <-bob.incoming:
		t.Fatalf("duplicate request surfaced a second incoming call: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
	if got := len(bob.coord.AllSessions()); got != 1 {
		t.Fatalf("callee session count = %d, want 1", got)
	}

	// The live call is untouched on both sides; the caller drops the busy
	// rejection as stale because it left Calling long ago.
	if got := bobSess.State(); got != StateConnected {
		t.Fatalf("existing callee session disturbed: %s", got)
	}
	if got := aliceSess.State(); got != StateConnected {
		t.Fatalf("caller session disturbed by stale rejection: %s", got)
	}
}

func TestSecondCallerRingsIndependently(t *testing.T) {
	bus := signal.NewMemoryBus()
	alice := newTestPeer(t, bus, "alice", 5*time.Second)
	bob := newTestPeer(t, bus, "bob", 5*time.Second)
	carol := newTestPeer(t, bus, "carol", 5*time.Second)

	if _, err := alice.coord.InitiateCall(Participant{ID: "bob"}, proto.MediaAudio); err != nil {
		t.Fatal(err)
	}
	first := bob.waitIncoming(t)
	firstSess, _ := bob.coord.GetSession(first.SessionID)
	waitState(t, firstSess, StateRinging)

	// Busy is scoped to the peer pair: a different caller rings alongside.
	carolSess, err := carol.coord.InitiateCall(Participant{ID: "bob"}, proto.MediaAudio)
	if err != nil {
		t.Fatal(err)
	}
	second := bob.waitIncoming(t)
	if second.Caller.ID != "carol" {
		t.Fatalf("second caller = %s, want carol", second.Caller.ID)
	}
	if second.SessionID == first.SessionID {
		t.Fatal("second caller reused the first pair's session")
	}
	secondSess, ok := bob.coord.GetSession(second.SessionID)
	if !ok {
		t.Fatal("no session for second caller")
	}
	waitState(t, secondSess, StateRinging)
	if got := len(bob.coord.AllSessions()); got != 2 {
		t.Fatalf("callee session count = %d, want 2", got)
	}

	// Rejecting one pair leaves the other ringing.
	second.Reject()
	waitState(t, secondSess, StateEnded)
	waitState(t, carolSess, StateEnded)
	if got := carolSess.EndedReason(); got != EndRejected {
		t.Fatalf("second caller end reason = %s, want %s", got, EndRejected)
	}
	if got := firstSess.State(); got != StateRinging {
		t.Fatalf("reject of one pair leaked into another: %s", got)
	}
}

func TestInitiateCallBusyPair(t *testing.T) {
	bus := signal.NewMemoryBus()
	alice := newTestPeer(t, bus, "alice", 5*time.Second)
	newTestPeer(t, bus, "bob", 5*time.Second)

	if _, err := alice.coord.InitiateCall(Participant{ID: "bob"}, proto.MediaAudio); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.coord.InitiateCall(Participant{ID: "bob"}, proto.MediaVideo); !errors.Is(err, ErrBusy) {
		t.Fatalf("second initiate error = %v, want ErrBusy", err)
	}
}

func TestInitiateCallValidation(t *testing.T) {
	bus := signal.NewMemoryBus()
	alice := newTestPeer(t, bus, "alice", 5*time.Second)

	if _, err := alice.coord.InitiateCall(Participant{ID: ""}, proto.MediaAudio); err == nil {
		t.Fatal("empty remote accepted")
	}
	if _, err := alice.coord.InitiateCall(Participant{ID: "alice"}, proto.MediaAudio); err == nil {
		t.Fatal("self-call accepted")
	}
}

func TestUnknownSessionIntents(t *testing.T) {
	bus := signal.NewMemoryBus()
	alice := newTestPeer(t, bus, "alice", 5*time.Second)

	for _, fn := range []func(string) error{
		alice.coord.AcceptCall,
		alice.coord.RejectCall,
		alice.coord.HangUp,
	} {
		if err := fn("nope"); !errors.Is(err, ErrUnknownSession) {
			t.Fatalf("error = %v, want ErrUnknownSession", err)
		}
	}
}

func TestCoordinatorClose(t *testing.T) {
	bus := signal.NewMemoryBus()
	alice := newTestPeer(t, bus, "alice", 5*time.Second)
	newTestPeer(t, bus, "bob", 5*time.Second)

	sess, err := alice.coord.InitiateCall(Participant{ID: "bob"}, proto.MediaAudio)
	if err != nil {
		t.Fatal(err)
	}

	alice.coord.Close()
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session not torn down on Close")
	}

	if _, err := alice.coord.InitiateCall(Participant{ID: "bob"}, proto.MediaAudio); err == nil {
		t.Fatal("closed coordinator accepted a new call")
	}
}
