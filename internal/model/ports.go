package model

import "context"

// ── Port interfaces ──
// These decouple the routing core from concrete transports and stores
// (Redis, SQLite, NATS, InfluxDB). Each implementation satisfies one or more.

// EventSink accepts events from an ingest client without blocking.
type EventSink interface {
	// Offer enqueues ev. Returns false if the event was dropped.
	Offer(ev Event) bool
}

// Publisher receives the router's canonical output stream.
// Publish must never block the caller.
type Publisher interface {
	Publish(u PriceUpdate)
}

// TickObserver receives every accepted tick from both sources
// (consistency side-channel). Observe must never block the caller.
type TickObserver interface {
	Observe(t Tick)
}

// Sink is a downstream consumer registered with the broadcast fanout.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string

	// Deliver hands one update to the sink. Called from the sink's own
	// fanout worker, so a slow Deliver only delays this sink.
	Deliver(ctx context.Context, u PriceUpdate) error
}

// DivergenceWriter persists divergence records.
type DivergenceWriter interface {
	WriteDivergence(ctx context.Context, rec DivergenceRecord) error
}

// SymbolRegistry lists the symbols the router is told to track.
type SymbolRegistry interface {
	Symbols(ctx context.Context) ([]Symbol, error)
}
