package bcast

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	subscribersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracel_bcast_subscribers",
		Help: "Live stream subscriptions across all owners.",
	})

	droppedPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracel_bcast_dropped_packets_total",
		Help: "Packets shed under backpressure, by drop point.",
	}, []string{"point"})
)
