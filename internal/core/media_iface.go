package core

import (
	"context"

	"github.com/dkeye/conference/internal/domain"
)

// Direction is an SDP media direction attribute.
type Direction string

const (
	DirectionSendRecv Direction = "sendrecv"
	DirectionSendOnly Direction = "sendonly"
	DirectionRecvOnly Direction = "recvonly"
	DirectionInactive Direction = "inactive"
)

// DirectionFor returns the answer direction for a role. RoleNone yields ""
// which means the answer mirrors the offer.
func DirectionFor(r domain.Role) Direction {
	switch r {
	case domain.RoleWriter:
		return DirectionRecvOnly
	case domain.RoleReader:
		return DirectionSendOnly
	default:
		return ""
	}
}

// Negotiation is one offer/answer round for a handle.
type Negotiation struct {
	Handle    domain.HandleID
	Stream    domain.StreamID
	Role      domain.Role
	Direction Direction
	Offer     string
}

// MediaEngine turns offers into answers and owns per-handle media state.
type MediaEngine interface {
	// Negotiate returns the SDP answer. An empty answer with a nil error
	// means the engine defers the answer until a role is installed.
	Negotiate(ctx context.Context, n Negotiation) (string, error)
	AddICECandidate(h domain.HandleID, c Candidate) error
	// OnLocalCandidate sets a callback for locally gathered candidates.
	OnLocalCandidate(fn func(h domain.HandleID, c Candidate))
	Close(h domain.HandleID)
}
