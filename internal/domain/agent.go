// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const MaxAgentIDLen = 255

var (
	ErrAgentIDEmpty   = errors.New("agent id empty")
	ErrAgentIDTooLong = errors.New("agent id too long")
)

// AgentID is the caller-level identity. One agent may own several handles.
type AgentID string

func ParseAgentID(s string) (AgentID, error) {
	if len(s) == 0 {
		return "", ErrAgentIDEmpty
	}
	if len(s) > MaxAgentIDLen {
		return "", ErrAgentIDTooLong
	}
	return AgentID(s), nil
}
