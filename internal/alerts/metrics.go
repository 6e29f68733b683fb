package alerts

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracel_alerts_deliveries_total",
		Help: "Webhook delivery outcomes.",
	}, []string{"outcome"})

	droppedAlerts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracel_alerts_dropped_total",
		Help: "Alerts dropped because the delivery queue was full.",
	})
)
