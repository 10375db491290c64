package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mvankuijk/parlo/internal/proto"
)

// fakeEngine is a scripted Engine. It enforces the same ordering invariant as
// the real transport: candidates are rejected until a remote description has
// been applied, so a session that flushes too early fails the test.
type fakeEngine struct {
	mu         sync.Mutex
	cb         EngineCallbacks
	remoteSet  bool
	candidates []proto.Candidate
	closed     bool
}

func (e *fakeEngine) CreateOffer(context.Context) (proto.Description, error) {
	return proto.Description{Type: "offer", SDP: "v=0 fake-offer"}, nil
}

func (e *fakeEngine) CreateAnswer(_ context.Context, remoteOffer proto.Description) (proto.Description, error) {
	if remoteOffer.Type != "offer" {
		return proto.Description{}, errors.New("fake: CreateAnswer without offer")
	}
	e.mu.Lock()
	e.remoteSet = true
	e.mu.Unlock()
	return proto.Description{Type: "answer", SDP: "v=0 fake-answer"}, nil
}

func (e *fakeEngine) ApplyRemoteDescription(desc proto.Description) error {
	if desc.Type == "" {
		return errors.New("fake: empty description")
	}
	e.mu.Lock()
	e.remoteSet = true
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) AddRemoteCandidate(c proto.Candidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.remoteSet {
		return errors.New("fake: candidate before remote description")
	}
	e.candidates = append(e.candidates, c)
	return nil
}

func (e *fakeEngine) Status() RTPStats { return RTPStats{} }

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) appliedCandidates() []proto.Candidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]proto.Candidate, len(e.candidates))
	copy(out, e.candidates)
	return out
}

func (e *fakeEngine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// connected drives the transport callback as if ICE completed.
func (e *fakeEngine) connected() { e.cb.ConnectionState(ConnConnected) }

// fakeFactory hands out one fakeEngine per session and remembers it so tests
// can drive its callbacks.
type fakeFactory struct {
	mu      sync.Mutex
	engines []*fakeEngine
	err     error
}

func (f *fakeFactory) new(_ string, _ proto.MediaKind, cb EngineCallbacks) (Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	e := &fakeEngine{cb: cb}
	f.engines = append(f.engines, e)
	return e, nil
}

// engine waits for the factory's n-th engine to exist. Sessions create
// engines asynchronously on their event loop.
func (f *fakeFactory) engine(t *testing.T, n int) *fakeEngine {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.engines) > n {
			e := f.engines[n]
			f.mu.Unlock()
			return e
		}
		f.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("engine %d never created", n)
	return nil
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return s.State() == want })
}
