package domain

import "time"

// StreamInfo is a point-in-time view of one stream entry.
type StreamInfo struct {
	ID         StreamID   `json:"id"`
	Writer     HandleID   `json:"writer,omitempty"`
	Readers    []HandleID `json:"readers"`
	LastActive time.Time  `json:"last_active"`
}
