// Package core holds the contracts between the conference core and its host.
package core

import "github.com/dkeye/conference/internal/domain"

// Frame is a raw serialized message.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Host is the gateway side of the core. Everything the core says to a client
// goes through it.
type Host interface {
	// PushAck acknowledges a client request before its terminal event.
	PushAck(h domain.HandleID, transaction string) error
	// PushEvent delivers the terminal event (or error) of a client request.
	PushEvent(h domain.HandleID, transaction string, resp Response) error
	// PushRequest sends a server-issued request the client must answer with
	// the same transaction id.
	PushRequest(h domain.HandleID, transaction, kind string, payload any) error
	// EndSession asks the gateway to hang up the handle.
	EndSession(h domain.HandleID)
}

// GatingSink is the packet-forwarding layer that enforces gating.
type GatingSink interface {
	ApplyWriterGating(stream domain.StreamID, writer domain.HandleID, g domain.Gating)
	ApplyReaderGating(stream domain.StreamID, reader domain.HandleID, g domain.Gating)
	Forget(stream domain.StreamID, h domain.HandleID)
}
