package fleethub

import "time"

type Liveness int

const (
	LivenessActive Liveness = iota
	LivenessStale
	LivenessExpired
)

func (l Liveness) String() string {
	switch l {
	case LivenessActive:
		return "active"
	case LivenessStale:
		return "stale"
	case LivenessExpired:
		return "expired"
	}
	return "unknown"
}

// Classify derives a device's liveness from elapsed time since its last
// report. Pure; both boundaries are half-open so a device seen exactly
// ActiveWindow ago is already stale and one seen exactly ExpiryWindow ago
// is already expired.
func (c LivenessConfig) Classify(now, lastSeen time.Time) Liveness {
	age := now.Sub(lastSeen)
	switch {
	case age < c.ActiveWindow:
		return LivenessActive
	case age < c.ExpiryWindow:
		return LivenessStale
	default:
		return LivenessExpired
	}
}
