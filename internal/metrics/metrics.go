// Package metrics provides Prometheus metrics for fog coordinators and peers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all fog metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler serves the metrics in Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// CoordinatorMetrics holds the coordinator's metrics.
type CoordinatorMetrics struct {
	RegisteredNodes prometheus.Gauge
	Stores          prometheus.Gauge
	GlobalEntries   prometheus.Gauge
	CheckIns        prometheus.Counter
	RepairRequests  *prometheus.CounterVec // fog_coordinator_repair_requests_total{result}
	RelayPushes     *prometheus.CounterVec // fog_coordinator_relay_pushes_total{result}
}

// NewCoordinatorMetrics registers coordinator metrics with reg. A nil reg
// uses a private registry, which keeps tests independent.
func NewCoordinatorMetrics(reg prometheus.Registerer) *CoordinatorMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &CoordinatorMetrics{
		RegisteredNodes: f.NewGauge(prometheus.GaugeOpts{
			Name: "fog_coordinator_registered_nodes",
			Help: "Number of registered peers",
		}),
		Stores: f.NewGauge(prometheus.GaugeOpts{
			Name: "fog_coordinator_stores",
			Help: "Number of registered stores",
		}),
		GlobalEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "fog_coordinator_global_entries",
			Help: "Number of entries in the global inventory",
		}),
		CheckIns: f.NewCounter(prometheus.CounterOpts{
			Name: "fog_coordinator_checkins_total",
			Help: "Total peer check-ins",
		}),
		RepairRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fog_coordinator_repair_requests_total",
			Help: "Repair requests by outcome (relayed, no_replica, not_found, relay_failed, denied)",
		}, []string{"result"}),
		RelayPushes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fog_coordinator_relay_pushes_total",
			Help: "Ticket pushes to relay peers by outcome (ok, error)",
		}, []string{"result"}),
	}
}

// PeerMetrics holds a peer's metrics.
type PeerMetrics struct {
	ValidatedEntries *prometheus.CounterVec // fog_peer_validated_entries_total{result}
	Repairs          *prometheus.CounterVec // fog_peer_repairs_total{result}
	StagedTickets    prometheus.Gauge
	ServedFiles      prometheus.Counter
	ServedBytes      prometheus.Counter
}

// NewPeerMetrics registers peer metrics with reg, labelled with the peer name.
// A nil reg uses a private registry.
func NewPeerMetrics(reg prometheus.Registerer, peerName string) *PeerMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	constLabels := prometheus.Labels{"peer": peerName}

	return &PeerMetrics{
		ValidatedEntries: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "fog_peer_validated_entries_total",
			Help:        "Entries checked by the validation loop by result (ok, missing, mismatch, unreadable)",
			ConstLabels: constLabels,
		}, []string{"result"}),
		Repairs: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "fog_peer_repairs_total",
			Help:        "Repair attempts by result (repaired, no_replica, failed)",
			ConstLabels: constLabels,
		}, []string{"result"}),
		StagedTickets: f.NewGauge(prometheus.GaugeOpts{
			Name:        "fog_peer_staged_tickets",
			Help:        "Relay tickets waiting to be collected",
			ConstLabels: constLabels,
		}),
		ServedFiles: f.NewCounter(prometheus.CounterOpts{
			Name:        "fog_peer_served_files_total",
			Help:        "Files served to other peers",
			ConstLabels: constLabels,
		}),
		ServedBytes: f.NewCounter(prometheus.CounterOpts{
			Name:        "fog_peer_served_bytes_total",
			Help:        "Bytes served to other peers",
			ConstLabels: constLabels,
		}),
	}
}
