package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are process-wide and surface on the monitoring server's
// metrics endpoint when that is enabled.
var metrics = struct {
	Games      prometheus.Gauge
	Peers      prometheus.Gauge
	Aliases    prometheus.Gauge
	Sent       *prometheus.CounterVec
	Reconnects *prometheus.CounterVec
	Failures   *prometheus.CounterVec
}{
	Games: promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "peerbroker",
		Name:      "games",
		Help:      "Number of created games.",
	}),
	Peers: promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "peerbroker",
		Name:      "peers",
		Help:      "Number of connected peers.",
	}),
	Aliases: promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "peerbroker",
		Name:      "aliases",
		Help:      "Number of registered aliases.",
	}),
	Sent: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peerbroker",
		Name:      "packets_sent_total",
		Help:      "Outbound packets by type.",
	}, []string{"type"}),
	Reconnects: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peerbroker",
		Name:      "reconnects_total",
		Help:      "Reconnect attempts by outcome.",
	}, []string{"outcome"}),
	Failures: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peerbroker",
		Name:      "session_failures_total",
		Help:      "Hard session failures by reason.",
	}, []string{"reason"}),
}
