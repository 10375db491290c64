// Package call implements the two-party call feature: signaling, session
// negotiation, and lifecycle. The Coordinator is the process-wide entry
// point; each active call is one Session with its own serialized event loop.
// Coupling to the transport is via the signal.Bus interface only.
package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mvankuijk/parlo/internal/proto"
	"github.com/mvankuijk/parlo/internal/signal"
)

var (
	// ErrBusy means a session already exists for this peer pair. Rejected
	// synchronously; the existing session is untouched.
	ErrBusy = errors.New("call: already in a call with this peer")

	// ErrUnknownSession means no active session matches the given id.
	ErrUnknownSession = errors.New("call: no such session")
)

// StateChange is delivered to state listeners on every session transition.
// Reason is set only when State is StateEnded.
type StateChange struct {
	SessionID string
	Remote    Participant
	Role      Role
	Media     proto.MediaKind
	State     State
	Reason    EndReason
}

// IncomingCall notifies listeners of an inbound call_request. Accept and
// Reject resolve the ringing session; display metadata comes straight from
// the request payload.
type IncomingCall struct {
	SessionID string
	Caller    Participant
	Media     proto.MediaKind
	Accept    func()
	Reject    func()
}

// Coordinator routes user intents and inbound signaling to call sessions.
// At most one session exists per unordered peer pair at any time.
type Coordinator struct {
	bus         signal.Bus
	self        Participant
	newEngine   EngineFactory
	ringTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session // pair id → session
	closed   bool

	cancelInvites func()

	listenerMu   sync.RWMutex
	stateFns     []func(StateChange)
	incomingFns  []func(IncomingCall)
	mediaFns     []func(sessionID string)
	durationFns  []func(sessionID string, elapsed time.Duration)
}

// Options configures a Coordinator.
type Options struct {
	Self        Participant
	Bus         signal.Bus
	Engine      EngineFactory
	RingTimeout time.Duration // zero means DefaultRingTimeout
}

// NewCoordinator subscribes to the local invite topic and starts routing
// immediately.
func NewCoordinator(opt Options) (*Coordinator, error) {
	if opt.Self.ID == "" {
		return nil, errors.New("call: options missing self participant")
	}
	if opt.Bus == nil || opt.Engine == nil {
		return nil, errors.New("call: options missing bus or engine factory")
	}
	c := &Coordinator{
		bus:         opt.Bus,
		self:        opt.Self,
		newEngine:   opt.Engine,
		ringTimeout: opt.RingTimeout,
		sessions:    make(map[string]*Session),
	}
	cancel, err := opt.Bus.Subscribe(proto.InviteTopic(opt.Self.ID), c.handleInvite)
	if err != nil {
		return nil, fmt.Errorf("call: subscribe invites: %w", err)
	}
	c.cancelInvites = cancel
	return c, nil
}

// ── Listener registration ────────────────────────────────────────────────────

// OnStateChanged registers fn for every session state transition. Multiple
// listeners may be registered; each event feed connection registers one.
func (c *Coordinator) OnStateChanged(fn func(StateChange)) {
	c.listenerMu.Lock()
	c.stateFns = append(c.stateFns, fn)
	c.listenerMu.Unlock()
}

// OnIncoming registers fn for each inbound call_request that creates a
// ringing session.
func (c *Coordinator) OnIncoming(fn func(IncomingCall)) {
	c.listenerMu.Lock()
	c.incomingFns = append(c.incomingFns, fn)
	c.listenerMu.Unlock()
}

// OnRemoteMedia registers fn for the first remote media packet per session.
func (c *Coordinator) OnRemoteMedia(fn func(sessionID string)) {
	c.listenerMu.Lock()
	c.mediaFns = append(c.mediaFns, fn)
	c.listenerMu.Unlock()
}

// OnDuration registers fn for the 1 Hz connected-duration ticks.
func (c *Coordinator) OnDuration(fn func(sessionID string, elapsed time.Duration)) {
	c.listenerMu.Lock()
	c.durationFns = append(c.durationFns, fn)
	c.listenerMu.Unlock()
}

// ── User intents ─────────────────────────────────────────────────────────────

// InitiateCall starts an outgoing call to remote. Fails with ErrBusy if a
// session for this pair already exists — the check happens before any state
// machine is created, so the existing session is never disturbed.
func (c *Coordinator) InitiateCall(remote Participant, media proto.MediaKind) (*Session, error) {
	if remote.ID == "" || remote.ID == c.self.ID {
		return nil, fmt.Errorf("call: invalid remote participant %q", remote.ID)
	}
	pairID := proto.PairID(c.self.ID, remote.ID)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("call: coordinator closed")
	}
	if _, exists := c.sessions[pairID]; exists {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	sess := c.newSessionLocked(remote, RoleCaller, media)
	c.mu.Unlock()

	if err := c.attach(sess); err != nil {
		sess.HangUp() // tears the never-started session down through the normal path
		return nil, err
	}
	sess.beginCalling()
	log.Printf("CALL: initiated %s → %s (%s)", sess.ID(), remote.ID, media)
	return sess, nil
}

// AcceptCall accepts a ringing session.
func (c *Coordinator) AcceptCall(sessionID string) error {
	sess, ok := c.GetSession(sessionID)
	if !ok {
		return ErrUnknownSession
	}
	sess.Accept()
	return nil
}

// RejectCall declines a ringing session.
func (c *Coordinator) RejectCall(sessionID string) error {
	sess, ok := c.GetSession(sessionID)
	if !ok {
		return ErrUnknownSession
	}
	sess.Reject()
	return nil
}

// HangUp ends a session from the local side. Ends with reason completed if
// the call was connected, cancelled otherwise.
func (c *Coordinator) HangUp(sessionID string) error {
	sess, ok := c.GetSession(sessionID)
	if !ok {
		return ErrUnknownSession
	}
	sess.HangUp()
	return nil
}

// GetSession returns the active session with the given id, if any.
func (c *Coordinator) GetSession(sessionID string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[sessionID]
	return s, ok
}

// SessionFor returns the active session for the pair (self, peerID), if any.
func (c *Coordinator) SessionFor(peerID string) (*Session, bool) {
	return c.GetSession(proto.PairID(c.self.ID, peerID))
}

// AllSessions snapshots the active sessions for the debug endpoint.
func (c *Coordinator) AllSessions() []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// Close hangs up every active session and stops routing invites.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	if c.cancelInvites != nil {
		c.cancelInvites()
	}
	for _, s := range sessions {
		s.HangUp()
		<-s.Done()
	}
}

// ── Inbound routing ──────────────────────────────────────────────────────────

// handleInvite processes messages on the local invite topic. Only
// call_request is valid here; a request for a pair that already has an
// active session is answered with a busy rejection and the existing session
// is left untouched.
func (c *Coordinator) handleInvite(msg proto.Message) {
	if msg.Kind != proto.KindCallRequest || msg.To != c.self.ID {
		return
	}
	var req proto.CallRequestPayload
	if err := msg.DecodePayload(&req); err != nil {
		log.Printf("CALL: dropping malformed call_request from %s: %v", msg.From, err)
		return
	}
	if req.CallerID == "" || req.CallerID != msg.From {
		log.Printf("CALL: call_request caller/from mismatch (%q vs %q), dropping", req.CallerID, msg.From)
		return
	}
	caller := Participant{ID: req.CallerID, DisplayName: req.CallerDisplayName, Avatar: req.CallerAvatar}
	media := req.MediaKind
	if media != proto.MediaVideo {
		media = proto.MediaAudio
	}
	pairID := proto.PairID(c.self.ID, caller.ID)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, exists := c.sessions[pairID]; exists {
		c.mu.Unlock()
		log.Printf("CALL: busy — rejecting second call_request from %s", caller.ID)
		c.rejectBusy(caller.ID)
		return
	}
	sess := c.newSessionLocked(caller, RoleCallee, media)
	c.mu.Unlock()

	if err := c.attach(sess); err != nil {
		log.Printf("CALL: subscribe pair topic: %v", err)
		sess.HangUp()
		return
	}
	sess.beginRinging()
	log.Printf("CALL: incoming %s from %s (%s)", sess.ID(), caller.ID, media)

	ic := IncomingCall{
		SessionID: sess.ID(),
		Caller:    caller,
		Media:     media,
		Accept:    sess.Accept,
		Reject:    sess.Reject,
	}
	for _, fn := range c.incomingListeners() {
		fn(ic)
	}
}

// rejectBusy answers a redundant call_request on the pair topic without
// involving any session.
func (c *Coordinator) rejectBusy(callerID string) {
	msg, err := proto.NewMessage(proto.KindCallRejected, c.self.ID, callerID,
		proto.CallRejectedPayload{TargetID: callerID, Busy: true})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := c.bus.Publish(ctx, proto.CallTopic(c.self.ID, callerID), msg); err != nil {
		log.Printf("CALL: busy reject publish: %v", err)
	}
}

// ── Session plumbing ─────────────────────────────────────────────────────────

// newSessionLocked builds and registers a session. Caller holds c.mu.
func (c *Coordinator) newSessionLocked(remote Participant, role Role, media proto.MediaKind) *Session {
	sess := newSession(sessionConfig{
		local:       c.self,
		remote:      remote,
		role:        role,
		media:       media,
		bus:         c.bus,
		newEngine:   c.newEngine,
		ringTimeout: c.ringTimeout,
		hooks: sessionHooks{
			stateChanged: c.sessionStateChanged,
			remoteMedia:  c.sessionRemoteMedia,
			duration:     c.sessionDuration,
			removed:      c.remove,
		},
	})
	c.sessions[sess.ID()] = sess
	return sess
}

// attach subscribes the session to its pair topic. Messages not addressed to
// the local participant are discarded by the session itself.
func (c *Coordinator) attach(s *Session) error {
	cancel, err := c.bus.Subscribe(s.topic, s.handleMessage)
	if err != nil {
		return err
	}
	s.unsubscribe = cancel
	return nil
}

// remove drops the coordinator's reference. Called exactly once per session,
// after its cleanup has run; late signaling for the pair then has no
// subscriber and evaporates instead of reviving the ended session.
func (c *Coordinator) remove(s *Session) {
	c.mu.Lock()
	if cur, ok := c.sessions[s.ID()]; ok && cur == s {
		delete(c.sessions, s.ID())
	}
	c.mu.Unlock()
}

func (c *Coordinator) sessionStateChanged(s *Session, prev State) {
	change := StateChange{
		SessionID: s.ID(),
		Remote:    s.Remote(),
		Role:      s.Role(),
		Media:     s.Media(),
		State:     s.State(),
		Reason:    s.EndedReason(),
	}
	c.listenerMu.RLock()
	fns := make([]func(StateChange), len(c.stateFns))
	copy(fns, c.stateFns)
	c.listenerMu.RUnlock()
	for _, fn := range fns {
		fn(change)
	}
}

func (c *Coordinator) sessionRemoteMedia(s *Session) {
	c.listenerMu.RLock()
	fns := make([]func(string), len(c.mediaFns))
	copy(fns, c.mediaFns)
	c.listenerMu.RUnlock()
	for _, fn := range fns {
		fn(s.ID())
	}
}

func (c *Coordinator) sessionDuration(s *Session, elapsed time.Duration) {
	c.listenerMu.RLock()
	fns := make([]func(string, time.Duration), len(c.durationFns))
	copy(fns, c.durationFns)
	c.listenerMu.RUnlock()
	for _, fn := range fns {
		fn(s.ID(), elapsed)
	}
}

func (c *Coordinator) incomingListeners() []func(IncomingCall) {
	c.listenerMu.RLock()
	defer c.listenerMu.RUnlock()
	fns := make([]func(IncomingCall), len(c.incomingFns))
	copy(fns, c.incomingFns)
	return fns
}
