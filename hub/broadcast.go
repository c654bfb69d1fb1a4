package hub

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/stepherg/fleethub"
	"github.com/stepherg/fleethub/internal/metrics"
)

// DeviceView is the public shape of a device record on the wire.
type DeviceView struct {
	DeviceID        string           `json:"deviceId"`
	GroupID         string           `json:"groupId"`
	Location        string           `json:"location"`
	LocalAddr       string           `json:"localAddr,omitempty"`
	Connected       bool             `json:"connected"`
	Liveness        string           `json:"liveness"`
	UplinkConnected bool             `json:"uplinkConnected"`
	HasData         bool             `json:"hasData"`
	LastPayload     fleethub.Payload `json:"lastPayload,omitempty"`
	LastSeen        time.Time        `json:"lastSeen"`
	RegisteredAt    time.Time        `json:"registeredAt"`
}

// View renders a record for transmission, deriving the liveness fields at
// now.
func View(dev fleethub.Device, liveness fleethub.LivenessConfig, now time.Time) DeviceView {
	class := liveness.Classify(now, dev.LastSeen)
	return DeviceView{
		DeviceID:        string(dev.ID),
		GroupID:         dev.GroupID,
		Location:        dev.Location,
		LocalAddr:       dev.LocalAddr,
		Connected:       class == fleethub.LivenessActive,
		Liveness:        class.String(),
		UplinkConnected: dev.UplinkConnected,
		HasData:         dev.HasData(),
		LastPayload:     dev.LastPayload,
		LastSeen:        dev.LastSeen,
		RegisteredAt:    dev.RegisteredAt,
	}
}

// EventMessage is the tagged envelope observers receive for every registry
// event.
type EventMessage struct {
	Type      string     `json:"type"`
	Device    DeviceView `json:"device"`
	Timestamp time.Time  `json:"timestamp"`
}

// Hub delivers registry events to every known observer, best effort. A
// failed send removes that observer and delivery continues; nothing an
// observer does can abort the fan-out or surface an error to the
// publisher.
type Hub struct {
	subs     *Subscriptions
	liveness fleethub.LivenessConfig
	logger   zerolog.Logger
}

func New(subs *Subscriptions, liveness fleethub.LivenessConfig, logger zerolog.Logger) *Hub {
	return &Hub{
		subs:     subs,
		liveness: liveness,
		logger:   logger.With().Str("component", "hub").Logger(),
	}
}

// Publish fans one event out to the observers known at this moment.
// Sends are attempted in isolation: each failure is logged, converges on
// Subscriptions.Remove and the transport's Close, and the loop moves on.
func (h *Hub) Publish(ev fleethub.Event) {
	metrics.EventsPublished.WithLabelValues(string(ev.Kind)).Inc()

	msg := EventMessage{
		Type:      string(ev.Kind),
		Device:    View(ev.Device, h.liveness, ev.OccurredAt),
		Timestamp: ev.OccurredAt,
	}

	observers := h.subs.Snapshot()
	delivered := 0
	for _, obs := range observers {
		metrics.BroadcastSends.Inc()
		if err := obs.Transport.Send(msg); err != nil {
			metrics.BroadcastSendFailures.Inc()
			h.subs.Remove(obs.ID)
			_ = obs.Transport.Close()
			h.logger.Warn().
				Err(err).
				Str("observer_id", string(obs.ID)).
				Str("event", string(ev.Kind)).
				Msg("Removed observer after failed send")
			continue
		}
		delivered++
	}

	if delivered > 0 {
		h.logger.Debug().
			Str("event", string(ev.Kind)).
			Str("device_id", string(ev.Device.ID)).
			Int("observers", delivered).
			Msg("Event broadcast")
	}
}
