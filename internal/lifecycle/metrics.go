package lifecycle

import "github.com/prometheus/client_golang/prometheus"

var (
	vmBootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ember_vm_boot_seconds",
			Help:    "Duration from VMM spawn to the VMM API answering ready, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeVMs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ember_active_vms",
			Help: "Number of VMs currently in status=running.",
		},
	)
)

func init() {
	prometheus.MustRegister(vmBootDuration)
	prometheus.MustRegister(activeVMs)
}

// DecActiveVMs records a VM leaving status=running from outside the
// service's own Stop path — the watchdog's dead-VMM repair sweep (C8) also
// drives that transition and must keep this gauge in sync.
func DecActiveVMs() {
	activeVMs.Dec()
}
