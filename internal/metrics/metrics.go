// Package metrics exposes Prometheus collectors for room activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons recorded by FrameDropped.
const (
	ReasonMalformed   = "malformed"
	ReasonRateLimited = "rate_limited"
	ReasonTooLarge    = "too_large"
)

// Metrics groups the collectors. A nil *Metrics records nothing.
type Metrics struct {
	roomsActive       prometheus.Gauge
	peersConnected    prometheus.Gauge
	updatesApplied    prometheus.Counter
	updatesRejected   prometheus.Counter
	framesDropped     *prometheus.CounterVec
	broadcastFailures prometheus.Counter
	roomsEvicted      prometheus.Counter
}

// New registers the collectors on reg. A nil reg creates unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomsync_rooms_active",
			Help: "Rooms currently held by this instance",
		}),
		peersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomsync_peers_connected",
			Help: "Peers currently connected to this instance",
		}),
		updatesApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomsync_updates_applied_total",
			Help: "Document updates applied and relayed",
		}),
		updatesRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomsync_updates_rejected_total",
			Help: "Document updates rejected by the codec",
		}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomsync_frames_dropped_total",
			Help: "Inbound frames dropped before reaching a room",
		}, []string{"reason"}),
		broadcastFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomsync_broadcast_failures_total",
			Help: "Per-peer deliveries that failed during broadcast",
		}),
		roomsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomsync_rooms_evicted_total",
			Help: "Idle rooms evicted from memory",
		}),
	}
}

// RoomOpened records a room becoming active.
func (m *Metrics) RoomOpened() {
	if m == nil {
		return
	}
	m.roomsActive.Inc()
}

// RoomClosed records a room leaving memory. evicted marks idle eviction.
func (m *Metrics) RoomClosed(evicted bool) {
	if m == nil {
		return
	}
	m.roomsActive.Dec()
	if evicted {
		m.roomsEvicted.Inc()
	}
}

// PeerJoined records a peer connection.
func (m *Metrics) PeerJoined() {
	if m == nil {
		return
	}
	m.peersConnected.Inc()
}

// PeerLeft records a peer disconnect.
func (m *Metrics) PeerLeft() {
	if m == nil {
		return
	}
	m.peersConnected.Dec()
}

// UpdateApplied records an applied document update.
func (m *Metrics) UpdateApplied() {
	if m == nil {
		return
	}
	m.updatesApplied.Inc()
}

// UpdateRejected records a rejected document update.
func (m *Metrics) UpdateRejected() {
	if m == nil {
		return
	}
	m.updatesRejected.Inc()
}

// FrameDropped records an inbound frame dropped for reason.
func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

// BroadcastFailed records n failed deliveries.
func (m *Metrics) BroadcastFailed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.broadcastFailures.Add(float64(n))
}
