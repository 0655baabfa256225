// Package gateway speaks the Janus-like JSON envelope shared by every client
// transport and routes core output back to the connection owning a handle.
package gateway

import (
	"encoding/json"

	"github.com/dkeye/conference/internal/core"
)

// PluginName tags plugindata of outbound events.
const PluginName = "conference"

// Envelope is one frame in either direction.
type Envelope struct {
	Janus       string          `json:"janus"`
	Transaction string          `json:"transaction,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
	HandleID    string          `json:"handle_id,omitempty"`
	Sender      string          `json:"sender,omitempty"`
	Method      string          `json:"method,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	JSEP        *core.JSEP      `json:"jsep,omitempty"`
	Candidate   *core.Candidate `json:"candidate,omitempty"`
	Data        any             `json:"data,omitempty"`
	PluginData  *PluginData     `json:"plugindata,omitempty"`
	Error       *EnvelopeError  `json:"error,omitempty"`
}

type PluginData struct {
	Plugin string          `json:"plugin"`
	Data   json.RawMessage `json:"data"`
}

type EnvelopeError struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// Envelope types.
const (
	TypeCreate    = "create"
	TypeAttach    = "attach"
	TypeMessage   = "message"
	TypeTrickle   = "trickle"
	TypeDetach    = "detach"
	TypeDestroy   = "destroy"
	TypeKeepalive = "keepalive"
	TypeAck       = "ack"
	TypeEvent     = "event"
	TypeError     = "error"
	TypeSuccess   = "success"
	TypeRequest   = "request"
	TypeHangup    = "hangup"
)

func encode(env Envelope) (core.Frame, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return core.Frame(b), nil
}
