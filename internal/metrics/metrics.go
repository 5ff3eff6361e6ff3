package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Scan outcomes used as the result label.
const (
	ResultAccepted  = "accepted"
	ResultInvalid   = "invalid"
	ResultUnknown   = "unknown_card"
	ResultInactive  = "inactive_card"
	ResultAmbiguous = "ambiguous_card"
	ResultDuplicate = "duplicate"
	ResultDayClosed = "day_closed"
	ResultStorage   = "storage_error"
)

// DeviceOther is the device_type label for anything that is not a known
// reader kind.
const DeviceOther = "other"

// Metrics holds the service's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Scans          *prometheus.CounterVec
	ScanDuration   prometheus.Histogram
	Clients        *prometheus.GaugeVec
	FramesSent     *prometheus.CounterVec
	DroppedClients prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "scans_total",
			Help:      "Card scans by device type and outcome.",
		}, []string{"device_type", "result"}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "attendance",
			Name:      "scan_duration_seconds",
			Help:      "Time from scan submission to persisted record.",
			Buckets:   prometheus.DefBuckets,
		}),
		Clients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "broadcast",
			Name:      "clients",
			Help:      "Connected dashboard channels by transport.",
		}, []string{"transport"}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "broadcast",
			Name:      "frames_sent_total",
			Help:      "Frames written to dashboard channels by type.",
		}, []string{"type"}),
		DroppedClients: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "broadcast",
			Name:      "dropped_clients_total",
			Help:      "Channels removed after a failed send.",
		}),
	}
	reg.MustRegister(m.Scans, m.ScanDuration, m.Clients, m.FramesSent, m.DroppedClients)
	return m
}

// ObserveScan counts one scan outcome and, when it was accepted, its
// latency.
func (m *Metrics) ObserveScan(deviceType, result string, seconds float64) {
	if m == nil {
		return
	}
	m.Scans.WithLabelValues(deviceType, result).Inc()
	if result == ResultAccepted {
		m.ScanDuration.Observe(seconds)
	}
}

// ClientConnected adjusts the channel gauge for transport by delta.
func (m *Metrics) ClientConnected(transport string, delta float64) {
	if m == nil {
		return
	}
	m.Clients.WithLabelValues(transport).Add(delta)
}

// FrameSent counts one delivered frame.
func (m *Metrics) FrameSent(frameType string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(frameType).Inc()
}

// ClientDropped counts a channel removed after a send failure.
func (m *Metrics) ClientDropped() {
	if m == nil {
		return
	}
	m.DroppedClients.Inc()
}
