package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ConnectedClients          prometheus.Gauge
	EnvelopesRouted           *prometheus.CounterVec
	EnvelopesDropped          *prometheus.CounterVec
	Deliveries                *prometheus.CounterVec
	RouteDuration             prometheus.Histogram
	PendingAutomationTimers   prometheus.Gauge
	AutomationOutcomes        *prometheus.CounterVec
	GenerationDuration        prometheus.Histogram
	StoreOperationDuration    *prometheus.HistogramVec
	ClientReconnectsScheduled prometheus.Counter
}

// NewMetrics registers the relay collectors with reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connected_clients",
			Help: "Current number of registered duplex connections",
		}),
		EnvelopesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_envelopes_routed_total",
			Help: "Total number of envelopes routed",
		}, []string{"kind"}),
		EnvelopesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_envelopes_dropped_total",
			Help: "Total number of envelopes dropped before routing",
		}, []string{"reason"}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Total number of per-recipient delivery attempts",
		}, []string{"result"}),
		RouteDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_route_duration_seconds",
			Help:    "Time taken to route one envelope",
			Buckets: prometheus.DefBuckets,
		}),
		PendingAutomationTimers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "automation_pending_timers",
			Help: "Current number of armed automation timers",
		}),
		AutomationOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "automation_outcomes_total",
			Help: "Total number of automation timer outcomes",
		}, []string{"outcome"}),
		GenerationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "automation_generation_duration_seconds",
			Help:    "Time taken by the response generator",
			Buckets: prometheus.DefBuckets,
		}),
		StoreOperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "store_operation_duration_seconds",
			Help:    "Time taken for store operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		ClientReconnectsScheduled: factory.NewCounter(prometheus.CounterOpts{
			Name: "client_reconnects_scheduled_total",
			Help: "Total number of reconnect attempts scheduled by endpoint clients",
		}),
	}
}
