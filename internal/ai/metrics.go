package ai

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scoreOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracel_ai_score_requests_total",
			Help: "Scoring attempts by outcome",
		},
		[]string{"outcome"}, // ok, error, short_circuit, unconfigured
	)

	scoreDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tracel_ai_score_duration_seconds",
			Help:    "Round-trip latency of scorer calls",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
		},
	)

	readyGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracel_ai_ready",
			Help: "Whether the last scorer round-trip succeeded (1) or not (0)",
		},
	)
)
