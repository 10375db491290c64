package call

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mvankuijk/parlo/internal/proto"
	"github.com/mvankuijk/parlo/internal/signal"
)

// publishTimeout bounds every outbound signaling publish. Signaling is
// best-effort: a peer that is gone will also be detected by the ring timer
// or the transport, so a failed publish is logged, never fatal.
const publishTimeout = 5 * time.Second

// Session is the state machine owning one call between the local participant
// and one remote peer. All transitions run on a single goroutine draining the
// session's event queue: user intents, inbound signaling messages, timer
// expiry, and transport callbacks are all ordinary events on that queue, so
// the transition table can be reasoned about without interleaving. Whichever
// of two racing events is enqueued first wins; the loser is caught by the
// terminal and idempotency guards.
type Session struct {
	id          string // deterministic pair id, also the topic key
	topic       string // pair topic: everything except call_request
	inviteTopic string // remote's invite topic: call_request only

	local  Participant
	remote Participant
	role   Role
	media  proto.MediaKind

	bus         signal.Bus
	newEngine   EngineFactory
	ringTimeout time.Duration
	hooks       sessionHooks

	events chan sessionEvent
	done   chan struct{}

	// Owned by the event loop. state/endReason/timestamps are additionally
	// mirrored under mu for Status() snapshots from other goroutines.
	engine      Engine
	buffer      CandidateBuffer
	timer       *SessionTimer
	unsubscribe func()

	mu          sync.Mutex
	state       State
	endReason   EndReason
	startedAt   time.Time
	connectedAt time.Time
	endedAt     time.Time
	muted       bool
	videoOff    bool
}

// sessionHooks are the coordinator's observation points. stateChanged fires
// on every transition; removed fires exactly once, after cleanup, when the
// session reaches Ended.
type sessionHooks struct {
	stateChanged func(s *Session, prev State)
	remoteMedia  func(s *Session)
	duration     func(s *Session, elapsed time.Duration)
	removed      func(s *Session)
}

type sessionEventKind int

const (
	evBeginCalling sessionEventKind = iota
	evBeginRinging
	evSignal
	evAccept
	evReject
	evHangUp
	evRingTimeout
	evConnState
	evLocalCandidate
)

type sessionEvent struct {
	kind sessionEventKind
	msg  proto.Message
	conn ConnState
	cand proto.Candidate
}

type sessionConfig struct {
	local, remote Participant
	role          Role
	media         proto.MediaKind
	bus           signal.Bus
	newEngine     EngineFactory
	ringTimeout   time.Duration
	hooks         sessionHooks
}

func newSession(cfg sessionConfig) *Session {
	if cfg.ringTimeout <= 0 {
		cfg.ringTimeout = DefaultRingTimeout
	}
	s := &Session{
		id:          proto.PairID(cfg.local.ID, cfg.remote.ID),
		topic:       proto.CallTopic(cfg.local.ID, cfg.remote.ID),
		inviteTopic: proto.InviteTopic(cfg.remote.ID),
		local:       cfg.local,
		remote:      cfg.remote,
		role:        cfg.role,
		media:       cfg.media,
		bus:         cfg.bus,
		newEngine:   cfg.newEngine,
		ringTimeout: cfg.ringTimeout,
		hooks:       cfg.hooks,
		events:      make(chan sessionEvent, 64),
		done:        make(chan struct{}),
		timer:       newSessionTimer(),
		state:       StateIdle,
	}
	go s.run()
	return s
}

// ── Accessors ────────────────────────────────────────────────────────────────

func (s *Session) ID() string             { return s.id }
func (s *Session) Remote() Participant    { return s.remote }
func (s *Session) Role() Role             { return s.role }
func (s *Session) Media() proto.MediaKind { return s.media }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) EndedReason() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

func (s *Session) ConnectedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedAt
}

// Done is closed when the session reaches Ended and cleanup has run.
func (s *Session) Done() <-chan struct{} { return s.done }

// Status returns a point-in-time snapshot for diagnostics.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	st := SessionStatus{
		SessionID:   s.id,
		Remote:      s.remote.ID,
		Role:        s.role,
		State:       s.state.String(),
		EndReason:   s.endReason,
		MediaKind:   string(s.media),
		StartedAt:   millis(s.startedAt),
		ConnectedAt: millis(s.connectedAt),
		Muted:       s.muted,
		VideoOff:    s.videoOff,
	}
	eng := s.engine
	s.mu.Unlock()
	if eng != nil {
		st.RemoteRTP = eng.Status()
	}
	return st
}

// ToggleAudio flips local audio mute. Pass-through to the media layer, not a
// state machine event. Returns the new muted state.
func (s *Session) ToggleAudio() bool {
	s.mu.Lock()
	s.muted = !s.muted
	muted := s.muted
	s.mu.Unlock()
	log.Printf("CALL [%s]: audio muted=%v", s.id, muted)
	return muted
}

// ToggleVideo flips local video. Returns the new disabled state.
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	s.videoOff = !s.videoOff
	off := s.videoOff
	s.mu.Unlock()
	log.Printf("CALL [%s]: video disabled=%v", s.id, off)
	return off
}

// ── Event entry points ───────────────────────────────────────────────────────

// enqueue adds ev to the serialized event queue. After the session has ended
// the queue no longer drains, so enqueue gives up instead of blocking.
func (s *Session) enqueue(ev sessionEvent) {
	select {
	case <-s.done:
	case s.events <- ev:
	}
}

func (s *Session) beginCalling()                   { s.enqueue(sessionEvent{kind: evBeginCalling}) }
func (s *Session) beginRinging()                   { s.enqueue(sessionEvent{kind: evBeginRinging}) }
func (s *Session) Accept()                         { s.enqueue(sessionEvent{kind: evAccept}) }
func (s *Session) Reject()                         { s.enqueue(sessionEvent{kind: evReject}) }
func (s *Session) HangUp()                         { s.enqueue(sessionEvent{kind: evHangUp}) }
func (s *Session) handleMessage(msg proto.Message) { s.enqueue(sessionEvent{kind: evSignal, msg: msg}) }

// ── Event loop ───────────────────────────────────────────────────────────────

func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

func (s *Session) handle(ev sessionEvent) {
	// Ended is absorbing: everything after it is dropped. Late candidates for
	// an ended session land here too — dropped silently, not an error.
	if s.state == StateEnded {
		return
	}

	switch ev.kind {
	case evBeginCalling:
		if s.state != StateIdle {
			return
		}
		s.setStarted()
		s.transition(StateCalling)
		s.publish(s.inviteTopic, proto.KindCallRequest, proto.CallRequestPayload{
			CallerID:          s.local.ID,
			CallerDisplayName: s.local.DisplayName,
			CallerAvatar:      s.local.Avatar,
			TargetID:          s.remote.ID,
			MediaKind:         s.media,
		})
		s.timer.StartRing(s.ringTimeout, func() {
			s.enqueue(sessionEvent{kind: evRingTimeout})
		})

	case evBeginRinging:
		if s.state != StateIdle {
			return
		}
		s.setStarted()
		s.transition(StateRinging)
		s.timer.StartRing(s.ringTimeout, func() {
			s.enqueue(sessionEvent{kind: evRingTimeout})
		})

	case evAccept:
		if s.state != StateRinging {
			return
		}
		s.timer.CancelRing()
		s.transition(StateNegotiating)
		if err := s.createEngine(); err != nil {
			log.Printf("CALL [%s]: engine init: %v", s.id, err)
			s.end(EndError, true)
			return
		}
		s.publish(s.topic, proto.KindCallAccepted, proto.CallAcceptedPayload{
			AccepterID: s.local.ID,
			TargetID:   s.remote.ID,
		})

	case evReject:
		if s.state != StateRinging {
			return
		}
		s.publish(s.topic, proto.KindCallRejected, proto.CallRejectedPayload{TargetID: s.remote.ID})
		s.end(EndRejected, false)

	case evHangUp:
		completed := s.state == StateConnected
		s.publish(s.topic, proto.KindCallEnd, proto.CallEndPayload{TargetID: s.remote.ID})
		if completed {
			s.end(EndCompleted, false)
		} else {
			s.end(EndCancelled, false)
		}

	case evRingTimeout:
		// The accept/timeout race is resolved by queue order: if an accept or
		// answer was processed first the session has left the ring phase and
		// this expiry is a no-op.
		if s.state != StateCalling && s.state != StateRinging {
			return
		}
		s.publish(s.topic, proto.KindCallEnd, proto.CallEndPayload{TargetID: s.remote.ID})
		s.end(EndTimeout, false)

	case evConnState:
		s.handleConnState(ev.conn)

	case evLocalCandidate:
		if s.state != StateNegotiating && s.state != StateConnected {
			return
		}
		s.publish(s.topic, proto.KindICECandidate, proto.ICECandidatePayload{
			Candidate: ev.cand,
			SenderID:  s.local.ID,
			TargetID:  s.remote.ID,
		})

	case evSignal:
		s.handleSignal(ev.msg)
	}
}

func (s *Session) handleConnState(cs ConnState) {
	switch cs {
	case ConnConnected:
		switch s.state {
		case StateNegotiating:
			s.mu.Lock()
			if s.connectedAt.IsZero() {
				s.connectedAt = time.Now()
			}
			connectedAt := s.connectedAt
			s.mu.Unlock()
			s.transition(StateConnected)
			s.timer.StartClock(connectedAt, func(elapsed time.Duration) {
				if s.hooks.duration != nil {
					s.hooks.duration(s, elapsed)
				}
			})
		case StateConnected:
			// Repeated "connected" reports (renegotiation) are a no-op.
		}
	case ConnDisconnected, ConnFailed:
		if s.state == StateNegotiating || s.state == StateConnected {
			log.Printf("CALL [%s]: transport %s", s.id, cs)
			s.end(EndError, true)
		}
	}
}

func (s *Session) handleSignal(msg proto.Message) {
	if msg.To != s.local.ID {
		return // addressed to the other participant
	}

	switch msg.Kind {
	case proto.KindCallAccepted:
		if s.state != StateCalling {
			log.Printf("CALL [%s]: stale %s in state %s", s.id, msg.Kind, s.state)
			return
		}
		s.timer.CancelRing()
		s.transition(StateNegotiating)
		if err := s.createEngine(); err != nil {
			log.Printf("CALL [%s]: engine init: %v", s.id, err)
			s.end(EndError, true)
			return
		}
		offer, err := s.engine.CreateOffer(context.Background())
		if err != nil {
			log.Printf("CALL [%s]: create offer: %v", s.id, err)
			s.end(EndError, true)
			return
		}
		s.publish(s.topic, proto.KindCallOffer, proto.CallOfferPayload{
			Offer:    offer,
			CallerID: s.local.ID,
			TargetID: s.remote.ID,
		})

	case proto.KindCallRejected:
		if s.state != StateCalling {
			log.Printf("CALL [%s]: stale %s in state %s", s.id, msg.Kind, s.state)
			return
		}
		var p proto.CallRejectedPayload
		if err := msg.DecodePayload(&p); err == nil && p.Busy {
			log.Printf("CALL [%s]: remote busy", s.id)
		}
		s.end(EndRejected, false)

	case proto.KindCallOffer:
		if s.role != RoleCallee || s.state != StateNegotiating {
			log.Printf("CALL [%s]: stale %s in state %s", s.id, msg.Kind, s.state)
			return
		}
		if s.buffer.Ready() {
			log.Printf("CALL [%s]: duplicate offer, dropping", s.id)
			return
		}
		var p proto.CallOfferPayload
		if err := msg.DecodePayload(&p); err != nil {
			log.Printf("CALL [%s]: %v", s.id, err)
			return
		}
		answer, err := s.engine.CreateAnswer(context.Background(), p.Offer)
		if err != nil {
			log.Printf("CALL [%s]: create answer: %v", s.id, err)
			s.end(EndError, true)
			return
		}
		s.publish(s.topic, proto.KindCallAnswer, proto.CallAnswerPayload{
			Answer:     answer,
			AnswererID: s.local.ID,
			TargetID:   s.remote.ID,
		})
		s.flushCandidates()

	case proto.KindCallAnswer:
		if s.role != RoleCaller || s.state != StateNegotiating {
			log.Printf("CALL [%s]: stale %s in state %s", s.id, msg.Kind, s.state)
			return
		}
		if s.buffer.Ready() {
			log.Printf("CALL [%s]: duplicate answer, dropping", s.id)
			return
		}
		var p proto.CallAnswerPayload
		if err := msg.DecodePayload(&p); err != nil {
			log.Printf("CALL [%s]: %v", s.id, err)
			return
		}
		if err := s.engine.ApplyRemoteDescription(p.Answer); err != nil {
			log.Printf("CALL [%s]: apply answer: %v", s.id, err)
			s.end(EndError, true)
			return
		}
		s.flushCandidates()

	case proto.KindICECandidate:
		var p proto.ICECandidatePayload
		if err := msg.DecodePayload(&p); err != nil {
			log.Printf("CALL [%s]: %v", s.id, err)
			return
		}
		if s.engine == nil || !s.buffer.Ready() {
			s.buffer.Enqueue(p.Candidate)
			return
		}
		if err := s.engine.AddRemoteCandidate(p.Candidate); err != nil {
			log.Printf("CALL [%s]: add candidate: %v", s.id, err)
		}

	case proto.KindCallEnd:
		if s.state == StateRinging {
			s.end(EndCancelled, false) // remote cancelled before accept
		} else {
			s.end(EndRemoteHangup, false)
		}

	default:
		log.Printf("CALL [%s]: unexpected %s, dropping", s.id, msg.Kind)
	}
}

// flushCandidates hands the buffered candidates to the engine as one ordered
// batch and flips the buffer into pass-through mode. Runs at most once; a bad
// individual candidate is logged and skipped, never fatal.
func (s *Session) flushCandidates() {
	batch := s.buffer.MarkReady()
	if len(batch) > 0 {
		log.Printf("CALL [%s]: flushing %d buffered candidates", s.id, len(batch))
	}
	for _, c := range batch {
		if err := s.engine.AddRemoteCandidate(c); err != nil {
			log.Printf("CALL [%s]: add buffered candidate: %v", s.id, err)
		}
	}
}

func (s *Session) createEngine() error {
	eng, err := s.newEngine(s.id, s.media, EngineCallbacks{
		LocalCandidate: func(c proto.Candidate) {
			s.enqueue(sessionEvent{kind: evLocalCandidate, cand: c})
		},
		ConnectionState: func(cs ConnState) {
			s.enqueue(sessionEvent{kind: evConnState, conn: cs})
		},
		RemoteMedia: func() {
			if s.hooks.remoteMedia != nil {
				s.hooks.remoteMedia(s)
			}
		},
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.engine = eng
	s.mu.Unlock()
	return nil
}

// ── Transitions ──────────────────────────────────────────────────────────────

func (s *Session) setStarted() {
	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) transition(to State) {
	s.mu.Lock()
	prev := s.state
	s.state = to
	s.mu.Unlock()
	log.Printf("CALL [%s]: %s → %s", s.id, prev, to)
	if s.hooks.stateChanged != nil {
		s.hooks.stateChanged(s, prev)
	}
}

// end performs the single transition into Ended: resources are released
// exactly once, before the coordinator drops its reference. notifyRemote
// sends a best-effort call_end first for paths that have not already told
// the peer.
func (s *Session) end(reason EndReason, notifyRemote bool) {
	if s.state == StateEnded {
		return
	}
	if notifyRemote {
		s.publish(s.topic, proto.KindCallEnd, proto.CallEndPayload{TargetID: s.remote.ID})
	}

	s.mu.Lock()
	s.endReason = reason
	s.endedAt = time.Now()
	s.mu.Unlock()

	s.timer.Stop()
	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			log.Printf("CALL [%s]: engine close: %v", s.id, err)
		}
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}

	s.transition(StateEnded)
	close(s.done)
	log.Printf("CALL [%s]: ended (%s)", s.id, reason)
	if s.hooks.removed != nil {
		s.hooks.removed(s)
	}
}

// publish sends one signaling message, best-effort.
func (s *Session) publish(topic string, kind proto.Kind, payload any) {
	msg, err := proto.NewMessage(kind, s.local.ID, s.remote.ID, payload)
	if err != nil {
		log.Printf("CALL [%s]: %v", s.id, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.bus.Publish(ctx, topic, msg); err != nil {
		log.Printf("CALL [%s]: publish %s: %v", s.id, kind, err)
	}
}
