package fleethub

import (
	"time"
)

// Options configures the hub core.
type Options struct {
	Liveness LivenessConfig
	Sweep    SweepConfig
}

// LivenessConfig holds the two classification windows. A device is active
// while now-lastSeen < ActiveWindow, expired once now-lastSeen >= ExpiryWindow,
// and stale-but-retained in between.
type LivenessConfig struct {
	ActiveWindow time.Duration
	ExpiryWindow time.Duration
}

type SweepConfig struct {
	Interval time.Duration
}

// DefaultOptions gives baseline sensible defaults.
func DefaultOptions() Options {
	opts := Options{}
	opts.Liveness = LivenessConfig{
		ActiveWindow: 120 * time.Second,
		ExpiryWindow: 300 * time.Second,
	}
	opts.Sweep = SweepConfig{
		Interval: 60 * time.Second,
	}
	return opts
}
