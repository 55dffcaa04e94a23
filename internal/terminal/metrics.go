package terminal

import "github.com/prometheus/client_golang/prometheus"

var activeSessions = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "ember_terminal_sessions_active",
		Help: "Number of terminal WebSocket connections currently attached to a VM.",
	},
)

func init() {
	prometheus.MustRegister(activeSessions)
}
