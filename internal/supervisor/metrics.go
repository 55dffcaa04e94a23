package supervisor

import "github.com/prometheus/client_golang/prometheus"

var vmStopFailuresTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "ember_vm_stop_failures_total",
		Help: "Total number of Stop calls where the VMM process did not exit after the full graceful/SIGTERM/SIGKILL escalation.",
	},
)

func init() {
	prometheus.MustRegister(vmStopFailuresTotal)
}
