package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	packetsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracel_pipeline_packets_total",
		Help: "Packets classified, labelled by verdict.",
	}, []string{"verdict"})

	livePipelines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracel_pipeline_owners",
		Help: "Owner pipelines currently running.",
	})

	attackToggles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracel_pipeline_attack_toggles_total",
		Help: "Accepted attack-mode toggles.",
	})
)
