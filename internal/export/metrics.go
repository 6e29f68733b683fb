package export

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var published = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tracel_export_published_total",
	Help: "Threat events published to Pub/Sub, by outcome.",
}, []string{"outcome"})
