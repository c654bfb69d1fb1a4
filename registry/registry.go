// Package registry owns the authoritative in-memory mapping from device
// identity to last-reported state.
package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stepherg/fleethub"
)

// Field defaults applied when a device is auto-registered from a report
// that omits them.
const (
	DefaultGroupID  = "unassigned"
	DefaultLocation = "unknown"
)

// Registry holds one record per device id. All mutations are serialized
// by a single mutex; the event sink is invoked inside the critical
// section so the emitted stream can never reorder relative to registry
// state.
type Registry struct {
	mu       sync.Mutex
	devices  map[fleethub.DeviceID]*fleethub.Device
	liveness fleethub.LivenessConfig
	sink     fleethub.EventSink
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates an empty registry. sink may be nil when no broadcast
// consumer exists (tests).
func New(liveness fleethub.LivenessConfig, sink fleethub.EventSink, logger zerolog.Logger) *Registry {
	return &Registry{
		devices:  make(map[fleethub.DeviceID]*fleethub.Device),
		liveness: liveness,
		sink:     sink,
		logger:   logger.With().Str("component", "registry").Logger(),
		now:      time.Now,
	}
}

// Liveness returns the classification windows the registry was built with.
func (r *Registry) Liveness() fleethub.LivenessConfig { return r.liveness }

// Upsert admits a telemetry report. An unknown device is auto-registered;
// an existing record gets the report's non-absent fields merged in and its
// LastSeen refreshed. Returns the resulting record and whether this call
// registered the device. The only rejection is a missing device id.
func (r *Registry) Upsert(rep fleethub.Report) (fleethub.Device, bool, error) {
	if rep.DeviceID == "" {
		return fleethub.Device{}, false, fleethub.ErrMissingDeviceID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	dev, ok := r.devices[rep.DeviceID]
	if !ok {
		dev = &fleethub.Device{
			ID:           rep.DeviceID,
			GroupID:      DefaultGroupID,
			Location:     DefaultLocation,
			RegisteredAt: now,
		}
		r.devices[rep.DeviceID] = dev
	}

	if rep.GroupID != "" {
		dev.GroupID = rep.GroupID
	}
	if rep.Location != "" {
		dev.Location = rep.Location
	}
	if rep.LocalAddr != "" {
		dev.LocalAddr = rep.LocalAddr
	}
	if rep.Payload != nil {
		dev.LastPayload = rep.Payload
	}
	dev.UplinkConnected = rep.UplinkConnected
	dev.LastSeen = now

	kind := fleethub.EventDataUpdated
	if !ok {
		kind = fleethub.EventDeviceConnected
		r.logger.Info().
			Str("device_id", string(dev.ID)).
			Str("group_id", dev.GroupID).
			Msg("Device registered")
	}
	r.emit(kind, *dev, now)

	return *dev, !ok, nil
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id fleethub.DeviceID) (fleethub.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[id]
	if !ok {
		return fleethub.Device{}, false
	}
	return *dev, true
}

// ListActive returns every record not yet expired at now, i.e. active and
// stale-but-retained devices. Order is unspecified.
func (r *Registry) ListActive(now time.Time) []fleethub.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]fleethub.Device, 0, len(r.devices))
	for _, dev := range r.devices {
		if r.liveness.Classify(now, dev.LastSeen) != fleethub.LivenessExpired {
			out = append(out, *dev)
		}
	}
	return out
}

// ExpiredIDs returns the ids whose records have aged past the expiry
// window at now.
func (r *Registry) ExpiredIDs(now time.Time) []fleethub.DeviceID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []fleethub.DeviceID
	for id, dev := range r.devices {
		if r.liveness.Classify(now, dev.LastSeen) == fleethub.LivenessExpired {
			out = append(out, id)
		}
	}
	return out
}

// Remove evicts a record and emits one device_expired event. Removing an
// absent id is a no-op, which makes eviction idempotent across sweeper
// ticks.
func (r *Registry) Remove(id fleethub.DeviceID) (fleethub.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

// RemoveIfExpired evicts a record only if it is still past the expiry
// window at now. The re-check happens under the registry lock: a device
// that reported telemetry after being selected for eviction stays
// retained, whatever the caller computed earlier.
func (r *Registry) RemoveIfExpired(id fleethub.DeviceID, now time.Time) (fleethub.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[id]
	if !ok || r.liveness.Classify(now, dev.LastSeen) != fleethub.LivenessExpired {
		return fleethub.Device{}, false
	}
	return r.removeLocked(id)
}

func (r *Registry) removeLocked(id fleethub.DeviceID) (fleethub.Device, bool) {
	dev, ok := r.devices[id]
	if !ok {
		return fleethub.Device{}, false
	}
	delete(r.devices, id)
	r.emit(fleethub.EventDeviceExpired, *dev, r.now())
	return *dev, true
}

// Len returns the number of retained records, expired or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

func (r *Registry) emit(kind fleethub.EventKind, dev fleethub.Device, at time.Time) {
	if r.sink == nil {
		return
	}
	r.sink.Publish(fleethub.Event{Kind: kind, Device: dev, OccurredAt: at})
}
