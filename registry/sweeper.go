package registry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/stepherg/fleethub/internal/metrics"
)

// Sweeper periodically evicts expired devices. It runs independently of
// request traffic; eviction events reach observers through the registry's
// sink.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

func NewSweeper(reg *Registry, interval time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		registry: reg,
		interval: interval,
		logger:   logger.With().Str("component", "sweeper").Logger(),
		now:      time.Now,
	}
}

// Start runs the sweep loop until ctx is canceled. One tick is isolated
// from the next: whatever happens during a sweep, the ticker keeps firing.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info().
		Str("interval", s.interval.String()).
		Str("expiry_window", s.registry.Liveness().ExpiryWindow.String()).
		Msg("Starting liveness sweeper")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Liveness sweeper stopping")
			return
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}

// Sweep executes a single eviction cycle at now and returns how many
// devices were removed. Each device is evicted on its own so one failed
// broadcast never blocks the remaining evictions. Expiry is re-checked
// inside each removal: a device whose telemetry arrives between the
// candidate scan and its removal is left in place.
func (s *Sweeper) Sweep(now time.Time) int {
	expired := s.registry.ExpiredIDs(now)
	if len(expired) == 0 {
		return 0
	}

	evicted := 0
	for _, id := range expired {
		dev, ok := s.registry.RemoveIfExpired(id, now)
		if !ok {
			continue
		}
		evicted++
		s.logger.Info().
			Str("device_id", string(dev.ID)).
			Str("group_id", dev.GroupID).
			Time("last_seen", dev.LastSeen).
			Msg("Evicted expired device")
	}
	metrics.DevicesEvicted.Add(float64(evicted))
	return evicted
}
