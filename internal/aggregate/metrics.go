package aggregate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tracel_aggregate_cache_lookups_total",
	Help: "Aggregate result cache lookups by outcome.",
}, []string{"result"})
