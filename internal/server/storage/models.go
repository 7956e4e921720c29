package storage

import "time"

// Event is one delivered telemetry/audit event persisted to the
// long-term sink. It mirrors the shape shipped out of the sqlite
// telemetry queue once a background flush has picked it up.
type Event struct {
	Image     string
	Kind      string
	Payload   []byte
	Timestamp time.Time
	ReceivedAt time.Time
}

// EventQuery selects a window of stored events.
type EventQuery struct {
	Image  string // exact match; empty matches all images
	Kind   string // exact match; empty matches all kinds
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}
