// Package metrics exposes Prometheus instrumentation for the hub core.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const metricPrefix = "fleethub_"

var (
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "events_published_total",
			Help: "Registry events handed to the broadcast hub, by kind",
		},
		[]string{"kind"},
	)

	BroadcastSends = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: metricPrefix + "broadcast_sends_total",
			Help: "Per-observer event deliveries attempted by the hub",
		},
	)

	BroadcastSendFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: metricPrefix + "broadcast_send_failures_total",
			Help: "Per-observer deliveries that failed and removed the observer",
		},
	)

	DevicesEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: metricPrefix + "devices_evicted_total",
			Help: "Devices removed by the liveness sweeper",
		},
	)
)

func init() {
	prometheus.MustRegister(EventsPublished, BroadcastSends, BroadcastSendFailures, DevicesEvicted)
}

// RegisterCounts publishes live device and observer gauges backed by the
// given length callbacks. Call once at startup.
func RegisterCounts(devices, observers func() int) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "devices",
			Help: "Device records currently retained in the registry",
		},
		func() float64 { return float64(devices()) },
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "observers",
			Help: "Observers currently connected to the broadcast hub",
		},
		func() float64 { return float64(observers()) },
	))
}
