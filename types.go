package fleethub

import "time"

type DeviceID string

type ObserverID string

// Payload is the last telemetry body a device reported, opaque to the core.
type Payload map[string]interface{}

// Device is the authoritative record for one reporting device.
// Exactly one record exists per DeviceID at any time.
type Device struct {
	ID              DeviceID
	GroupID         string
	Location        string
	LocalAddr       string
	LastPayload     Payload
	UplinkConnected bool
	LastSeen        time.Time
	RegisteredAt    time.Time
}

// HasData reports whether the device has delivered at least one payload.
func (d Device) HasData() bool { return d.LastPayload != nil }

// Report is one inbound telemetry submission. Zero-valued fields are
// treated as absent and leave the existing record untouched on merge;
// UplinkConnected is always taken (the reporting device owns that bit).
type Report struct {
	DeviceID        DeviceID
	GroupID         string
	Location        string
	LocalAddr       string
	Payload         Payload
	UplinkConnected bool
}

type EventKind string

const (
	EventDeviceConnected EventKind = "device_connected"
	EventDataUpdated     EventKind = "device_data"
	EventDeviceExpired   EventKind = "device_expired"
)

// Event is a registry state change observed by the broadcast hub.
type Event struct {
	Kind       EventKind
	Device     Device
	OccurredAt time.Time
}

// EventSink consumes registry events. Implementations must not call back
// into the registry and must return promptly; the registry invokes the
// sink while holding its lock so events keep registry order.
type EventSink interface {
	Publish(Event)
}
