package router

import "fmt"

// Phase is the router's routing decision. Exactly one is active at a time.
type Phase uint8

const (
	PhaseBothUnavailable Phase = iota
	PhasePrimaryActive
	PhaseFallbackActive
)

func (p Phase) String() string {
	switch p {
	case PhaseBothUnavailable:
		return "both_unavailable"
	case PhasePrimaryActive:
		return "primary_active"
	case PhaseFallbackActive:
		return "fallback_active"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Valid reports whether p is one of the three defined phases.
func (p Phase) Valid() bool {
	return p <= PhaseFallbackActive
}
