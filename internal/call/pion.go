package call

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mvankuijk/parlo/internal/proto"
)

// NewPionEngineFactory returns the production EngineFactory: each session
// gets one pion PeerConnection with local capture when the platform supports
// it (see media_linux.go / media_other.go). stunURLs configures ICE; empty
// means the default public STUN server.
func NewPionEngineFactory(stunURLs []string) EngineFactory {
	return func(sessionID string, media proto.MediaKind, cb EngineCallbacks) (Engine, error) {
		return newPionEngine(sessionID, media, stunURLs, cb)
	}
}

// pionEngine adapts a pion PeerConnection to the Engine interface. The
// descriptions and candidates it exchanges stay opaque to the session; all
// SDP/ICE knowledge lives here.
type pionEngine struct {
	sessionID  string
	pc         *webrtc.PeerConnection
	closeMedia func()
	sink       *remoteSink

	mu            sync.Mutex
	remoteApplied bool
	closed        bool
}

func newPionEngine(sessionID string, media proto.MediaKind, stunURLs []string, cb EngineCallbacks) (*pionEngine, error) {
	pc, closeMedia, err := initMediaPC(sessionID, media, stunURLs)
	if err != nil {
		return nil, fmt.Errorf("init peer connection: %w", err)
	}

	e := &pionEngine{
		sessionID:  sessionID,
		pc:         pc,
		closeMedia: closeMedia,
		sink:       newRemoteSink(sessionID, pc, cb.RemoteMedia),
	}

	// Trickle ICE: forward each discovered candidate as it appears. The nil
	// candidate marking end-of-gathering is not part of the contract.
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || cb.LocalCandidate == nil {
			return
		}
		init := c.ToJSON()
		cand := proto.Candidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			cand.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *init.SDPMLineIndex
		}
		cb.LocalCandidate(cand)
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		if cb.ConnectionState == nil {
			return
		}
		switch st {
		case webrtc.PeerConnectionStateConnected:
			cb.ConnectionState(ConnConnected)
		case webrtc.PeerConnectionStateDisconnected:
			cb.ConnectionState(ConnDisconnected)
		case webrtc.PeerConnectionStateFailed:
			cb.ConnectionState(ConnFailed)
		}
		// Closed is our own teardown; the session is already Ended then.
	})

	pc.OnTrack(e.sink.handleTrack)
	return e, nil
}

func (e *pionEngine) CreateOffer(_ context.Context) (proto.Description, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return proto.Description{}, fmt.Errorf("create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return proto.Description{}, fmt.Errorf("set local description: %w", err)
	}
	return proto.Description{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (e *pionEngine) CreateAnswer(_ context.Context, remoteOffer proto.Description) (proto.Description, error) {
	if err := e.ApplyRemoteDescription(remoteOffer); err != nil {
		return proto.Description{}, err
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return proto.Description{}, fmt.Errorf("create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return proto.Description{}, fmt.Errorf("set local description: %w", err)
	}
	return proto.Description{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (e *pionEngine) ApplyRemoteDescription(desc proto.Description) error {
	e.mu.Lock()
	if e.remoteApplied {
		e.mu.Unlock()
		log.Printf("CALL [%s]: remote description already applied, ignoring", e.sessionID)
		return nil
	}
	e.mu.Unlock()

	sd := webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP}
	if err := e.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	e.mu.Lock()
	e.remoteApplied = true
	e.mu.Unlock()
	return nil
}

func (e *pionEngine) AddRemoteCandidate(c proto.Candidate) error {
	init := webrtc.ICECandidateInit{Candidate: c.Candidate}
	if c.SDPMid != "" {
		mid := c.SDPMid
		init.SDPMid = &mid
	}
	idx := c.SDPMLineIndex
	init.SDPMLineIndex = &idx
	return e.pc.AddICECandidate(init)
}

func (e *pionEngine) Status() RTPStats {
	return e.sink.stats()
}

func (e *pionEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.sink.close()
	if e.closeMedia != nil {
		e.closeMedia()
	}
	return e.pc.Close()
}
