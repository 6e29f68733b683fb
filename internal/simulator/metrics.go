package simulator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var droppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tracel_simulator_dropped_events_total",
	Help: "Events discarded because the owner's pipeline queue was full.",
}, []string{"owner"})
