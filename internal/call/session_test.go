package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mvankuijk/parlo/internal/proto"
	"github.com/mvankuijk/parlo/internal/signal"
)

// remoteHarness plays the far side of a call by hand: it subscribes to the
// wire topics and publishes raw signaling messages, so tests control exactly
// when each message arrives relative to the others.
type remoteHarness struct {
	t     *testing.T
	bus   *signal.MemoryBus
	id    string
	local string // the peer under test

	mu       sync.Mutex
	received []proto.Message
}

func newRemoteHarness(t *testing.T, bus *signal.MemoryBus, id, local string) *remoteHarness {
	h := &remoteHarness{t: t, bus: bus, id: id, local: local}
	for _, topic := range []string{proto.InviteTopic(id), proto.CallTopic(id, local)} {
		cancel, err := bus.Subscribe(topic, func(msg proto.Message) {
			if msg.To != h.id {
				return
			}
			h.mu.Lock()
			h.received = append(h.received, msg)
			h.mu.Unlock()
		})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(cancel)
	}
	return h
}

func (h *remoteHarness) send(kind proto.Kind, payload any) {
	h.t.Helper()
	msg, err := proto.NewMessage(kind, h.id, h.local, payload)
	if err != nil {
		h.t.Fatal(err)
	}
	if err := h.bus.Publish(context.Background(), proto.CallTopic(h.id, h.local), msg); err != nil {
		h.t.Fatal(err)
	}
}

// waitKind blocks until a message of the given kind has arrived.
func (h *remoteHarness) waitKind(kind proto.Kind) proto.Message {
	h.t.Helper()
	var got proto.Message
	waitFor(h.t, "message "+string(kind), func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, m := range h.received {
			if m.Kind == kind {
				got = m
				return true
			}
		}
		return false
	})
	return got
}

func (h *remoteHarness) countKind(kind proto.Kind) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, m := range h.received {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

func TestCandidatesBufferedUntilAnswer(t *testing.T) {
	bus := signal.NewMemoryBus()
	alice := newTestPeer(t, bus, "alice", 5*time.Second)
	bob := newRemoteHarness(t, bus, "bob", "alice")

	sess, err := alice.coord.InitiateCall(Participant{ID: "bob"}, proto.MediaAudio)
	if err != nil {
		t.Fatal(err)
	}
	bob.waitKind(proto.KindCallRequest)

	bob.send(proto.KindCallAccepted, proto.CallAcceptedPayload{AccepterID: "bob", TargetID: "alice"})
	offerMsg := bob.waitKind(proto.KindCallOffer)

	var offer proto.CallOfferPayload
	if err := offerMsg.DecodePayload(&offer); err != nil {
		t.Fatal(err)
	}
	if offer.Offer.Type != "offer" {
		t.Fatalf("offer payload = %+v", offer)
	}

	// Candidates racing ahead of the answer: the session must hold them until
	// the remote description is in place, then apply them in arrival order.
	bob.send(proto.KindICECandidate, proto.ICECandidatePayload{
		Candidate: proto.Candidate{Candidate: "early-1"}, SenderID: "bob", TargetID: "alice",
	})
	bob.send(proto.KindICECandidate, proto.ICECandidatePayload{
		Candidate: proto.Candidate{Candidate: "early-2"}, SenderID: "bob", TargetID: "alice",
	})

	eng := alice.factory.engine(t, 0)
	if len(eng.appliedCandidates()) != 0 {
		t.Fatal("candidates applied before the answer")
	}

	bob.send(proto.KindCallAnswer, proto.CallAnswerPayload{
		Answer: proto.Description{Type: "answer", SDP: "v=0 remote"}, AnswererID: "bob", TargetID: "alice",
	})
	waitFor(t, "buffered candidates flushed", func() bool {
		return len(eng.appliedCandidates()) == 2
	})

	// After the flush the buffer is pass-through: new candidates go straight
	// to the engine.
	bob.send(proto.KindICECandidate, proto.ICECandidatePayload{
		Candidate: proto.Candidate{Candidate: "late-3"}, SenderID: "bob", TargetID: "alice",
	})
	waitFor(t, "pass-through candidate", func() bool {
		return len(eng.appliedCandidates()) == 3
	})

	got := eng.appliedCandidates()
	for i, want := range []string{"early-1", "early-2", "late-3"} {
		if got[i].Candidate != want {
			t.Fatalf("candidate[%d] = %q, want %q", i, got[i].Candidate, want)
		}
	}

	eng.connected()
	waitState(t, sess, StateConnected)
}

func TestDuplicateAnswerDropped(t *testing.T) {
	bus := signal.NewMemoryBus()
	alice := newTestPeer(t, bus, "alice", 5*time.Second)
	bob := newRemoteHarness(t, bus, "bob", "alice")

	sess, err := alice.coord.InitiateCall(Participant{ID: "bob"}, proto.MediaAudio)
	if err != nil {
		t.Fatal(err)
	}
	bob.waitKind(proto.KindCallRequest)
	bob.send(proto.KindCallAccepted, proto.CallAcceptedPayload{AccepterID: "bob", TargetID: "alice"})
	bob.waitKind(proto.KindCallOffer)

	answer := proto.CallAnswerPayload{
		Answer: proto.Description{Type: "answer", SDP: "v=0 remote"}, AnswererID: "bob", TargetID: "alice",
	}
	bob.send(proto.KindCallAnswer, answer)
	bob.send(proto.KindCallAnswer, answer) // replayed — must not re-negotiate

	eng := alice.factory.engine(t, 0)
	eng.connected()
	waitState(t, sess, StateConnected)

	// A second call_accepted after negotiation started is stale, not fatal.
	bob.send(proto.KindCallAccepted, proto.CallAcceptedPayload{AccepterID: "bob", TargetID: "alice"})
	time.Sleep(20 * time.Millisecond)
	if got := sess.State(); got != StateConnected {
		t.Fatalf("stale accept disturbed the session: %s", got)
	}
	alice.factory.mu.Lock()
	engines := len(alice.factory.engines)
	alice.factory.mu.Unlock()
	if engines != 1 {
		t.Fatalf("stale accept created a second engine")
	}
}

func TestRemoteHangupAndLateSignaling(t *testing.T) {
	bus := signal.NewMemoryBus()
	alice := newTestPeer(t, bus, "alice", 5*time.Second)
	bob := newRemoteHarness(t, bus, "bob", "alice")

	sess, err := alice.coord.InitiateCall(Participant{ID: "bob"}, proto.MediaAudio)
	if err != nil {
		t.Fatal(err)
	}
	bob.waitKind(proto.KindCallRequest)
	bob.send(proto.KindCallAccepted, proto.CallAcceptedPayload{AccepterID: "bob", TargetID: "alice"})
	bob.waitKind(proto.KindCallOffer)
	bob.send(proto.KindCallAnswer, proto.CallAnswerPayload{
		Answer: proto.Description{Type: "answer", SDP: "v=0 remote"}, AnswererID: "bob", TargetID: "alice",
	})

	eng := alice.factory.engine(t, 0)
	eng.connected()
	waitState(t, sess, StateConnected)

	bob.send(proto.KindCallEnd, proto.CallEndPayload{TargetID: "alice"})
	waitState(t, sess, StateEnded)
	if got := sess.EndedReason(); got != EndRemoteHangup {
		t.Fatalf("end reason = %s, want %s", got, EndRemoteHangup)
	}
	if !eng.isClosed() {
		t.Fatal("engine not closed on remote hangup")
	}

	// Late candidates for the ended session evaporate silently.
	applied := len(eng.appliedCandidates())
	bob.send(proto.KindICECandidate, proto.ICECandidatePayload{
		Candidate: proto.Candidate{Candidate: "too-late"}, SenderID: "bob", TargetID: "alice",
	})
	time.Sleep(20 * time.Millisecond)
	if len(eng.appliedCandidates()) != applied {
		t.Fatal("candidate applied after end")
	}
	if got := sess.EndedReason(); got != EndRemoteHangup {
		t.Fatalf("late signaling changed end reason to %s", got)
	}
}

func TestRepeatedConnectedIsNoop(t *testing.T) {
	bus := signal.NewMemoryBus()
	alice := newTestPeer(t, bus, "alice", 5*time.Second)
	bob := newRemoteHarness(t, bus, "bob", "alice")

	sess, err := alice.coord.InitiateCall(Participant{ID: "bob"}, proto.MediaAudio)
	if err != nil {
		t.Fatal(err)
	}
	bob.waitKind(proto.KindCallRequest)
	bob.send(proto.KindCallAccepted, proto.CallAcceptedPayload{AccepterID: "bob", TargetID: "alice"})
	bob.waitKind(proto.KindCallOffer)
	bob.send(proto.KindCallAnswer, proto.CallAnswerPayload{
		Answer: proto.Description{Type: "answer", SDP: "v=0 remote"}, AnswererID: "bob", TargetID: "alice",
	})

	eng := alice.factory.engine(t, 0)
	eng.connected()
	waitState(t, sess, StateConnected)
	first := sess.ConnectedAt()

	// Transport re-reports connected (e.g. an ICE restart settling): the
	// session stays Connected and the original timestamp is preserved.
	eng.connected()
	time.Sleep(20 * time.Millisecond)
	if got := sess.State(); got != StateConnected {
		t.Fatalf("state = %s after repeated connected", got)
	}
	if !sess.ConnectedAt().Equal(first) {
		t.Fatal("connectedAt changed on repeated connected report")
	}
}

func TestTransportFailureEndsSession(t *testing.T) {
	bus := signal.NewMemoryBus()
	alice := newTestPeer(t, bus, "alice", 5*time.Second)
	bob := newRemoteHarness(t, bus, "bob", "alice")

	sess, err := alice.coord.InitiateCall(Participant{ID: "bob"}, proto.MediaAudio)
	if err != nil {
		t.Fatal(err)
	}
	bob.waitKind(proto.KindCallRequest)
	bob.send(proto.KindCallAccepted, proto.CallAcceptedPayload{AccepterID: "bob", TargetID: "alice"})
	bob.waitKind(proto.KindCallOffer)

	eng := alice.factory.engine(t, 0)
	eng.cb.ConnectionState(ConnFailed)

	waitState(t, sess, StateEnded)
	if got := sess.EndedReason(); got != EndError {
		t.Fatalf("end reason = %s, want %s", got, EndError)
	}
	// The failing side must tell the peer.
	bob.waitKind(proto.KindCallEnd)
}

func TestLocalCandidatesPublished(t *testing.T) {
	bus := signal.NewMemoryBus()
	alice := newTestPeer(t, bus, "alice", 5*time.Second)
	bob := newRemoteHarness(t, bus, "bob", "alice")

	if _, err := alice.coord.InitiateCall(Participant{ID: "bob"}, proto.MediaAudio); err != nil {
		t.Fatal(err)
	}
	bob.waitKind(proto.KindCallRequest)
	bob.send(proto.KindCallAccepted, proto.CallAcceptedPayload{AccepterID: "bob", TargetID: "alice"})
	bob.waitKind(proto.KindCallOffer)

	eng := alice.factory.engine(t, 0)
	eng.cb.LocalCandidate(proto.Candidate{Candidate: "local-1"})

	msg := bob.waitKind(proto.KindICECandidate)
	var p proto.ICECandidatePayload
	if err := msg.DecodePayload(&p); err != nil {
		t.Fatal(err)
	}
	if p.Candidate.Candidate != "local-1" || p.SenderID != "alice" {
		t.Fatalf("candidate payload = %+v", p)
	}
}

func TestToggles(t *testing.T) {
	bus := signal.NewMemoryBus()
	alice := newTestPeer(t, bus, "alice", 5*time.Second)
	newRemoteHarness(t, bus, "bob", "alice")

	sess, err := alice.coord.InitiateCall(Participant{ID: "bob"}, proto.MediaVideo)
	if err != nil {
		t.Fatal(err)
	}

	if !sess.ToggleAudio() {
		t.Fatal("first audio toggle should mute")
	}
	if sess.ToggleAudio() {
		t.Fatal("second audio toggle should unmute")
	}
	if !sess.ToggleVideo() {
		t.Fatal("first video toggle should disable")
	}

	st := sess.Status()
	if st.Muted || !st.VideoOff {
		t.Fatalf("status toggles = %+v", st)
	}
	if st.MediaKind != string(proto.MediaVideo) || st.Role != RoleCaller {
		t.Fatalf("status = %+v", st)
	}
}
