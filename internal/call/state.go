package call

import "time"

// State is the lifecycle phase of a call session. States only move forward
// through the transition table in session.go; Ended is terminal and absorbing.
type State int

const (
	StateIdle State = iota
	StateCalling
	StateRinging
	StateNegotiating
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalling:
		return "calling"
	case StateRinging:
		return "ringing"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// EndReason records why a session reached Ended. Set exactly once, on the
// first transition into Ended.
type EndReason string

const (
	EndCompleted    EndReason = "completed"    // hung up after being connected
	EndRejected     EndReason = "rejected"     // callee declined
	EndCancelled    EndReason = "cancelled"    // abandoned before connecting
	EndTimeout      EndReason = "timeout"      // ring window expired
	EndRemoteHangup EndReason = "remoteHangup" // remote sent call_end
	EndError        EndReason = "error"        // negotiation or transport failure
)

// Role is fixed at session creation and never changes.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Participant identifies one side of a call. DisplayName and Avatar are
// opaque presentation metadata, passed through untouched.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// SessionStatus is a point-in-time snapshot for the debug endpoint.
type SessionStatus struct {
	SessionID   string    `json:"session_id"`
	Remote      string    `json:"remote"`
	Role        Role      `json:"role"`
	State       string    `json:"state"`
	EndReason   EndReason `json:"end_reason,omitempty"`
	MediaKind   string    `json:"media_kind"`
	StartedAt   int64     `json:"started_at"`             // Unix millis
	ConnectedAt int64     `json:"connected_at,omitempty"` // Unix millis, 0 until connected
	Muted       bool      `json:"muted"`
	VideoOff    bool      `json:"video_off"`
	RemoteRTP   RTPStats  `json:"remote_rtp"`
}

// RTPStats counts inbound media traffic for one session.
type RTPStats struct {
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
	Tracks  int    `json:"tracks"`
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
