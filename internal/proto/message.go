package proto

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Message is the envelope for every signaling message on a call topic.
// Payload is kind-specific; handlers must discard any message whose To does
// not match the local participant (both participants share one topic).
type Message struct {
	ID      string          `json:"id"` // uuid4, for log correlation
	Kind    Kind            `json:"kind"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	TS      int64           `json:"ts"` // Unix milliseconds
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Description is an opaque session description (SDP offer or answer).
type Description struct {
	Type string `json:"type"` // "offer" | "answer"
	SDP  string `json:"sdp"`
}

// Candidate is one opaque connectivity candidate, the standard
// RTCIceCandidateInit shape (W3C WebRTC).
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// CallRequestPayload invites the remote peer to a call. Display metadata is
// passed through for presentation; the core never interprets it.
type CallRequestPayload struct {
	CallerID          string    `json:"callerId"`
	CallerDisplayName string    `json:"callerDisplayName,omitempty"`
	CallerAvatar      string    `json:"callerAvatar,omitempty"`
	TargetID          string    `json:"targetId"`
	MediaKind         MediaKind `json:"mediaKind"`
}

// CallAcceptedPayload is sent by the callee after the user accepts.
// Receipt triggers the caller to create and send the offer.
type CallAcceptedPayload struct {
	AccepterID string `json:"accepterId"`
	TargetID   string `json:"targetId"`
}

// CallRejectedPayload declines an incoming call. Busy is set when the callee
// already has an active session for the pair.
type CallRejectedPayload struct {
	TargetID string `json:"targetId"`
	Busy     bool   `json:"busy,omitempty"`
}

// CallOfferPayload carries the SDP offer from the caller to the callee.
type CallOfferPayload struct {
	Offer    Description `json:"offer"`
	CallerID string      `json:"callerId"`
	TargetID string      `json:"targetId"`
}

// CallAnswerPayload carries the SDP answer from the callee back to the caller.
type CallAnswerPayload struct {
	Answer     Description `json:"answer"`
	AnswererID string      `json:"answererId"`
	TargetID   string      `json:"targetId"`
}

// ICECandidatePayload carries one trickle ICE candidate.
type ICECandidatePayload struct {
	Candidate Candidate `json:"candidate"`
	SenderID  string    `json:"senderId"`
	TargetID  string    `json:"targetId"`
}

// CallEndPayload ends or cancels the call from either side.
type CallEndPayload struct {
	TargetID string `json:"targetId"`
}

// NewMessage builds an envelope with a fresh ID and the given kind-specific
// payload. Payloads are the *Payload structs above; anything JSON-encodable
// is accepted.
func NewMessage(kind Kind, from, to string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("proto: encode %s payload: %w", kind, err)
	}
	return Message{
		ID:      uuid.NewString(),
		Kind:    kind,
		From:    from,
		To:      to,
		TS:      NowMillis(),
		Payload: raw,
	}, nil
}

// DecodePayload unmarshals the kind-specific payload into dst.
func (m Message) DecodePayload(dst any) error {
	if err := json.Unmarshal(m.Payload, dst); err != nil {
		return fmt.Errorf("proto: decode %s payload: %w", m.Kind, err)
	}
	return nil
}

// Encode serializes the envelope for the wire.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses an envelope off the wire.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("proto: decode envelope: %w", err)
	}
	if m.Kind == "" {
		return Message{}, fmt.Errorf("proto: envelope missing kind")
	}
	return m, nil
}
