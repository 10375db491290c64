// Package api serves the local control surface: a small JSON HTTP API plus a
// websocket event feed, bound to loopback. Frontends (CLI, tray app, web UI)
// drive calls exclusively through this package.
package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/mvankuijk/parlo/internal/call"
	"github.com/mvankuijk/parlo/internal/proto"
	"github.com/mvankuijk/parlo/internal/util"
)

// NodeInfo is what the API needs from the p2p node.
type NodeInfo interface {
	ID() string
	Addrs() []string
	Connect(ctx context.Context, addr string) error
}

// Deps wires the server to the rest of the application.
type Deps struct {
	Coordinator *call.Coordinator
	Node        NodeInfo
	SelfLabel   func() string // may be nil
}

// Server is the loopback control API.
type Server struct {
	deps Deps
	hub  *eventHub

	ln   net.Listener
	http *http.Server
}

// New builds the server and registers its coordinator listeners. Call Start
// to begin serving.
func New(deps Deps) *Server {
	s := &Server{
		deps: deps,
		hub:  newEventHub(),
	}

	deps.Coordinator.OnIncoming(func(ic call.IncomingCall) {
		caller := ic.Caller
		s.hub.broadcast(Event{
			Type:      "incoming-call",
			SessionID: ic.SessionID,
			TS:        proto.NowMillis(),
			Caller:    &caller,
			Media:     ic.Media,
		})
	})
	deps.Coordinator.OnStateChanged(func(sc call.StateChange) {
		s.hub.broadcast(Event{
			Type:      "state-changed",
			SessionID: sc.SessionID,
			TS:        proto.NowMillis(),
			State:     sc.State.String(),
			Reason:    sc.Reason,
			Remote:    sc.Remote.ID,
			Role:      sc.Role,
			Media:     sc.Media,
		})
	})
	deps.Coordinator.OnRemoteMedia(func(sessionID string) {
		s.hub.broadcast(Event{
			Type:      "remote-media",
			SessionID: sessionID,
			TS:        proto.NowMillis(),
		})
	})
	deps.Coordinator.OnDuration(func(sessionID string, elapsed time.Duration) {
		s.hub.broadcast(Event{
			Type:       "duration",
			SessionID:  sessionID,
			TS:         proto.NowMillis(),
			ElapsedSec: int64(elapsed.Seconds()),
		})
	})

	return s
}

// Start binds the listener and serves in the background. addr "" means a
// random loopback port; read the chosen address from Addr.
func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", addr, err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	s.register(mux)
	s.http = &http.Server{Handler: mux}

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("API: serve error: %v", err)
		}
	}()
	log.Printf("API: listening on http://%s", ln.Addr())
	return nil
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close shuts the HTTP server down.
func (s *Server) Close() error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) register(mux *http.ServeMux) {
	// GET /api/self — who am I, and how do peers reach me.
	handleGet(mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
		label := ""
		if s.deps.SelfLabel != nil {
			label = s.deps.SelfLabel()
		}
		writeJSON(w, map[string]any{
			"id":    s.deps.Node.ID(),
			"label": label,
			"addrs": s.deps.Node.Addrs(),
		})
	})

	// POST /api/peers/connect — dial a peer by multiaddress. mDNS covers the
	// LAN; this is for everything else.
	handlePost(mux, "/api/peers/connect", func(w http.ResponseWriter, r *http.Request, req struct {
		Addr string `json:"addr"`
	}) {
		if req.Addr == "" {
			http.Error(w, "missing addr", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), util.DefaultConnectTimeout)
		defer cancel()
		if err := s.deps.Node.Connect(ctx, req.Addr); err != nil {
			http.Error(w, fmt.Sprintf("connect failed: %v", err), http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]string{"status": "connected"})
	})

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		PeerID      string `json:"peer_id"`
		DisplayName string `json:"display_name"`
		Media       string `json:"media"` // "audio" or "video"; default audio
	}) {
		peerID, err := util.ValidatePeerID(req.PeerID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		media := proto.MediaAudio
		if req.Media == string(proto.MediaVideo) {
			media = proto.MediaVideo
		}
		sess, err := s.deps.Coordinator.InitiateCall(call.Participant{ID: peerID, DisplayName: req.DisplayName}, media)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, call.ErrBusy) {
				status = http.StatusConflict
			}
			http.Error(w, fmt.Sprintf("start call failed: %v", err), status)
			return
		}
		writeJSON(w, map[string]string{"status": "calling", "session_id": sess.ID()})
	})

	// POST /api/call/accept
	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req struct {
		SessionID string `json:"session_id"`
	}) {
		s.resolve(w, req.SessionID, s.deps.Coordinator.AcceptCall, "accepted")
	})

	// POST /api/call/reject
	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, req struct {
		SessionID string `json:"session_id"`
	}) {
		s.resolve(w, req.SessionID, s.deps.Coordinator.RejectCall, "rejected")
	})

	// POST /api/call/hangup
	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, req struct {
		SessionID string `json:"session_id"`
	}) {
		s.resolve(w, req.SessionID, s.deps.Coordinator.HangUp, "hung_up")
	})

	// POST /api/call/toggle-audio
	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, req struct {
		SessionID string `json:"session_id"`
	}) {
		sess, ok := s.deps.Coordinator.GetSession(req.SessionID)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]bool{"muted": sess.ToggleAudio()})
	})

	// POST /api/call/toggle-video
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, req struct {
		SessionID string `json:"session_id"`
	}) {
		sess, ok := s.deps.Coordinator.GetSession(req.SessionID)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]bool{"disabled": sess.ToggleVideo()})
	})

	// GET /api/call/sessions — live session status for testing without a UI.
	handleGet(mux, "/api/call/sessions", func(w http.ResponseWriter, r *http.Request) {
		sessions := s.deps.Coordinator.AllSessions()
		statuses := make([]call.SessionStatus, 0, len(sessions))
		for _, sess := range sessions {
			statuses = append(statuses, sess.Status())
		}
		writeJSON(w, map[string]any{
			"session_count": len(statuses),
			"sessions":      statuses,
		})
	})

	// GET /api/call/events — websocket: incoming calls, state changes,
	// remote media arrival, connected-duration ticks. New connections get
	// the recent backlog replayed first.
	handleGet(mux, "/api/call/events", s.hub.serveEvents)
}

// resolve runs a by-session-id intent and writes a uniform response.
func (s *Server) resolve(w http.ResponseWriter, sessionID string, fn func(string) error, status string) {
	if sessionID == "" {
		http.Error(w, "missing session_id", http.StatusBadRequest)
		return
	}
	if err := fn(sessionID); err != nil {
		if errors.Is(err, call.ErrUnknownSession) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": status, "session_id": sessionID})
}
