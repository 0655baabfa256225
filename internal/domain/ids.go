package domain

type (
	SessionID string
	HandleID  string
	StreamID  string
)
