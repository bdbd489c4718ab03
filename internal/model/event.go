package model

import "time"

// EventKind distinguishes the two payloads an ingest client can emit.
type EventKind uint8

const (
	EventHealth EventKind = iota + 1
	EventTick
)

func (k EventKind) String() string {
	switch k {
	case EventHealth:
		return "health"
	case EventTick:
		return "tick"
	default:
		return "unknown"
	}
}

// Event is the only message type flowing from ingest clients into the router.
// Every event carries the producer's full health snapshot, so losing one on a
// full inbox never leaves the router with a permanently wrong view.
type Event struct {
	Kind   EventKind
	Health ConnectionHealth
	Tick   Tick // valid only when Kind == EventTick
	At     time.Time
}

// HealthEvent builds a health-only event.
func HealthEvent(h ConnectionHealth, at time.Time) Event {
	return Event{Kind: EventHealth, Health: h, At: at}
}

// TickEvent builds an event carrying an accepted tick.
func TickEvent(t Tick, h ConnectionHealth, at time.Time) Event {
	return Event{Kind: EventTick, Health: h, Tick: t, At: at}
}
