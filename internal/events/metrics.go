package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var droppedDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tracel_events_dropped_deliveries_total",
	Help: "Bus deliveries skipped because a subscriber channel was full.",
}, []string{"type"})
