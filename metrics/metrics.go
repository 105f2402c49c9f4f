package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TransfersTotal counts finished transfers by direction and result.
	TransfersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "interact",
		Name:      "transfers_total",
		Help:      "Finished file transfers by direction and result.",
	}, []string{"direction", "result"})

	// TransferBytesTotal counts payload bytes sent or received.
	TransferBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "interact",
		Name:      "transfer_bytes_total",
		Help:      "File payload bytes moved by direction.",
	}, []string{"direction"})

	// ActiveTransfers tracks inbound sessions holding a transfer slot.
	ActiveTransfers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "interact",
		Name:      "active_transfers",
		Help:      "Number of inbound transfer sessions currently running.",
	})

	// RejectedConnectionsTotal counts inbound connections refused for capacity or rate.
	RejectedConnectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "interact",
		Name:      "rejected_connections_total",
		Help:      "Inbound transfer connections closed before the handshake, by reason.",
	}, []string{"reason"})

	// LivenessChecksTotal counts liveness dials by outcome.
	LivenessChecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "interact",
		Name:      "liveness_checks_total",
		Help:      "Liveness probes by result.",
	}, []string{"result"})

	// DiscoveredPeers tracks the size of the discovery peer table.
	DiscoveredPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "interact",
		Name:      "discovered_peers",
		Help:      "Peers currently in the ephemeral discovery table.",
	})
)

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		TransfersTotal,
		TransferBytesTotal,
		ActiveTransfers,
		RejectedConnectionsTotal,
		LivenessChecksTotal,
		DiscoveredPeers,
	)
}
