package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "drawboard"

// Drop reasons for MessagesDropped.
const (
	ReasonOversized      = "oversized"
	ReasonMalformed      = "malformed"
	ReasonInvalid        = "invalid"
	ReasonRateLimited    = "rate_limited"
	ReasonSnapshotFailed = "snapshot_failed"
)

// Relay directions for RelayMessages.
const (
	DirectionOut = "out"
	DirectionIn  = "in"
)

// Metrics holds the process collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	SessionsActive  prometheus.Gauge
	SessionsTotal   prometheus.Counter
	Rooms           prometheus.Gauge
	PaintOps        prometheus.Counter
	DabsApplied     prometheus.Counter
	MessagesDropped *prometheus.CounterVec
	HubLagged       prometheus.Counter
	Snapshots       prometheus.Counter
	RelayMessages   *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live websocket sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total websocket sessions accepted",
		}),
		Rooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Number of rooms held in memory",
		}),
		PaintOps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "paint_ops_total",
			Help:      "Paint operations applied to tiles",
		}),
		DabsApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dabs_applied_total",
			Help:      "Individual dabs submitted in applied paint operations",
		}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Inbound messages discarded without closing the session",
		}, []string{"reason"}),
		HubLagged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_lagged_total",
			Help:      "Times a subscriber fell behind its room hub",
		}),
		Snapshots: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Tile snapshots delivered to joining clients",
		}),
		RelayMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Paint operations exchanged with other instances",
		}, []string{"direction"}),
	}
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

func (m *Metrics) RoomCreated() {
	if m == nil {
		return
	}
	m.Rooms.Inc()
}

func (m *Metrics) Painted(dabFloats int) {
	if m == nil {
		return
	}
	m.PaintOps.Inc()
	m.DabsApplied.Add(float64(dabFloats / 4))
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Lagged() {
	if m == nil {
		return
	}
	m.HubLagged.Inc()
}

func (m *Metrics) SnapshotSent() {
	if m == nil {
		return
	}
	m.Snapshots.Inc()
}

func (m *Metrics) Relayed(direction string) {
	if m == nil {
		return
	}
	m.RelayMessages.WithLabelValues(direction).Inc()
}
