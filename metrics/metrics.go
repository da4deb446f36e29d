// Package metrics exposes Prometheus collectors for the simulator's
// ambient counters and gauges (ticks, cable deliveries, queue drops, ARP
// and CAM table sizes, DHCP pool/lease accounting). There is no analogue
// in original_source/ — the Python simulator has no observability layer —
// so this is purely the ambient stack's metrics component.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors groups every gauge/counter the simulator updates during a
// run. Build it with New; the zero value has nil fields. New(nil) creates
// every metric unregistered, so calling any Inc/Set/Add method is still
// safe without a registry.
type Collectors struct {
	Ticks           prometheus.Counter
	CableDeliveries prometheus.Counter
	QueueDrops      prometheus.Counter
	ARPTableSize    *prometheus.GaugeVec
	CAMTableSize    *prometheus.GaugeVec
	DHCPPoolSize    *prometheus.GaugeVec
	DHCPLeaseCount  *prometheus.GaugeVec
}

// New builds a Collectors instance. If reg is non-nil, every collector is
// registered against it; a nil registry leaves the collectors usable but
// unexposed, matching the rest of the package's nil-safe conventions.
func New(reg *prometheus.Registry) *Collectors {
	c := &Collectors{
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netsim",
			Name:      "ticks_total",
			Help:      "Total number of simulation ticks processed.",
		}),
		CableDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netsim",
			Name:      "cable_deliveries_total",
			Help:      "Total number of frames delivered by cables into an inbound queue.",
		}),
		QueueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netsim",
			Name:      "queue_drops_total",
			Help:      "Total number of frames dropped due to a full inbound or outbound queue.",
		}),
		ARPTableSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "netsim",
			Name:      "arp_table_size",
			Help:      "Number of entries currently held in a stack's ARP table.",
		}, []string{"device"}),
		CAMTableSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "netsim",
			Name:      "cam_table_size",
			Help:      "Number of entries currently held in a switch's CAM table.",
		}, []string{"device"}),
		DHCPPoolSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "netsim",
			Name:      "dhcp_pool_available",
			Help:      "Number of unleased addresses remaining in a DHCP server's pool.",
		}, []string{"device"}),
		DHCPLeaseCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "netsim",
			Name:      "dhcp_leases_active",
			Help:      "Number of active (unexpired) DHCP leases held by a server.",
		}, []string{"device"}),
	}
	if reg != nil {
		reg.MustRegister(c.Ticks, c.CableDeliveries, c.QueueDrops,
			c.ARPTableSize, c.CAMTableSize, c.DHCPPoolSize, c.DHCPLeaseCount)
	}
	return c
}
