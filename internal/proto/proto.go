// Package proto is the single source of truth for the call signaling wire
// contract: message kinds, payload shapes, and topic derivation. Both sides of
// a call compute the same topic from the participant pair, so no directory
// lookup is ever needed to route signaling.
package proto

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

const (
	// MdnsTag is the service tag used for LAN peer discovery.
	MdnsTag = "parlo-mdns"

	// CallTopicPrefix + PairID(a, b) is the pub/sub topic carrying all
	// signaling for the call between a and b.
	CallTopicPrefix = "call:"

	// InviteTopicPrefix + peerID is the per-peer topic every node subscribes
	// to at startup. It carries only call_request: the callee cannot know the
	// pair topic for a caller it has never heard from, so the invite arrives
	// on its own topic and both sides meet on the pair topic from then on.
	InviteTopicPrefix = "call:invite:"
)

// Kind identifies a signaling message.
type Kind string

const (
	KindCallRequest  Kind = "call_request"  // caller → callee: invite
	KindCallAccepted Kind = "call_accepted" // callee → caller: accepted, SDP exchange starts
	KindCallRejected Kind = "call_rejected" // callee → caller: declined (or busy)
	KindCallOffer    Kind = "call_offer"    // caller → callee: SDP offer (after accept)
	KindCallAnswer   Kind = "call_answer"   // callee → caller: SDP answer
	KindICECandidate Kind = "ice_candidate" // either → other: trickle ICE candidate
	KindCallEnd      Kind = "call_end"      // either side: hang up / cancel
)

// MediaKind selects the media requested for a call.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// PairID derives the deterministic identifier for the unordered pair (a, b).
// Both participants compute the same value independently, whichever side they
// are on, so caller and callee join the same signaling topic without any
// coordination round-trip.
func PairID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	sum := sha256.Sum256([]byte(a + "|" + b))
	return hex.EncodeToString(sum[:8])
}

// CallTopic returns the signaling topic for the unordered pair (a, b).
func CallTopic(a, b string) string {
	return CallTopicPrefix + PairID(a, b)
}

// InviteTopic returns the topic on which peerID receives call invites.
func InviteTopic(peerID string) string {
	return InviteTopicPrefix + peerID
}

// NowMillis returns the current wall clock in Unix milliseconds, the timestamp
// unit used on the wire.
func NowMillis() int64 { return time.Now().UnixMilli() }
