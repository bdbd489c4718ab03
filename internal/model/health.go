package model

import "time"

// ConnectionHealth is the per-source liveness signal published by an ingest
// client with every event it emits.
type ConnectionHealth struct {
	Source      Source `json:"source"`
	IsConnected bool   `json:"is_connected"`

	// Stopped is terminal: the client's context was cancelled and it will not
	// produce anything further. Routing treats it as unavailable.
	Stopped bool `json:"stopped"`

	// ConnectedAt is when the current transport session was established.
	// Zero while disconnected or for sources without a session.
	ConnectedAt time.Time `json:"connected_at"`

	LastSuccessfulTickAt time.Time `json:"last_successful_tick_at"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
}
