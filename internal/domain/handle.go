package domain

import "time"

// Role is what a handle does with a stream. No transport or lifecycle logic here.
type Role int

const (
	RoleNone Role = iota
	RoleWriter
	RoleReader
)

func (r Role) String() string {
	switch r {
	case RoleWriter:
		return "writer"
	case RoleReader:
		return "reader"
	default:
		return "none"
	}
}

type NegotiationState int

const (
	NegotiationIdle NegotiationState = iota
	NegotiationOfferReceived
	NegotiationAnswerSent
)

func (s NegotiationState) String() string {
	switch s {
	case NegotiationOfferReceived:
		return "offer-received"
	case NegotiationAnswerSent:
		return "answer-sent"
	default:
		return "idle"
	}
}

// Gating is applied by the packet-forwarding layer, never renegotiated.
// A zero ceiling means unlimited.
type Gating struct {
	Video     bool   `json:"video"`
	Audio     bool   `json:"audio"`
	VideoREMB uint32 `json:"video_remb,omitempty"`
	AudioREMB uint32 `json:"audio_remb,omitempty"`
}

func DefaultGating() Gating {
	return Gating{Video: true, Audio: true}
}

// HandleInfo is a read-only view of a live handle.
type HandleInfo struct {
	ID          HandleID         `json:"id"`
	Session     SessionID        `json:"session_id"`
	Agent       AgentID          `json:"agent_id,omitempty"`
	Negotiation NegotiationState `json:"-"`
	Gating      Gating           `json:"gating"`
	CreatedAt   time.Time        `json:"created_at"`
}
