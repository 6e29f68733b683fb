package identity

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracel_identity_resolutions_total",
		Help: "Requests resolved to a principal, by kind.",
	}, []string{"kind"})

	tokenFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracel_identity_token_failures_total",
		Help: "Bearer tokens that failed verification and fell back to anon.",
	})
)
