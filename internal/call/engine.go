package call

import (
	"context"

	"github.com/mvankuijk/parlo/internal/proto"
)

// ConnState is the connection state reported by the underlying media
// transport, reduced to what the session state machine cares about.
type ConnState int

const (
	ConnConnected ConnState = iota
	ConnDisconnected
	ConnFailed
)

func (c ConnState) String() string {
	switch c {
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	case ConnFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EngineCallbacks are delivered asynchronously by the engine. The session
// wraps each one so it lands on the session's serialized event queue; the
// engine may fire them from any goroutine.
type EngineCallbacks struct {
	// LocalCandidate fires for each connectivity candidate the transport
	// discovers. Each firing results in one outbound ice_candidate message.
	LocalCandidate func(proto.Candidate)

	// ConnectionState fires on every transport connection state change.
	ConnectionState func(ConnState)

	// RemoteMedia fires once, when the first remote media packet arrives.
	RemoteMedia func()
}

// Engine wraps the opaque session-description/candidate exchange. The
// production implementation is pion/webrtc (pion.go); tests substitute a
// scripted fake. All methods are called only from the owning session's
// event loop.
type Engine interface {
	// CreateOffer produces the local description. Caller role only, called
	// exactly once, on the Calling → Negotiating transition.
	CreateOffer(ctx context.Context) (proto.Description, error)

	// CreateAnswer applies remoteOffer and produces the answering
	// description. Callee role only, called exactly once.
	CreateAnswer(ctx context.Context, remoteOffer proto.Description) (proto.Description, error)

	// ApplyRemoteDescription applies the remote description. Idempotent per
	// call: applying a second time is a no-op, not an error.
	ApplyRemoteDescription(desc proto.Description) error

	// AddRemoteCandidate applies one remote connectivity candidate. Only
	// valid after a remote description has been applied.
	AddRemoteCandidate(c proto.Candidate) error

	// Status reports inbound media statistics for diagnostics.
	Status() RTPStats

	// Close releases the transport and local media. Idempotent.
	Close() error
}

// EngineFactory creates the engine for a session entering Negotiating.
// sessionID is for log correlation only.
type EngineFactory func(sessionID string, media proto.MediaKind, cb EngineCallbacks) (Engine, error)
