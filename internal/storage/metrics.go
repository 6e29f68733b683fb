package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	primaryWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracel_storage_primary_writes_total",
		Help: "Packet writes attempted against the primary store.",
	}, []string{"outcome"})

	writeQueueDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracel_storage_write_queue_drops_total",
		Help: "Primary writes discarded because the write queue was full.",
	})

	readFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracel_storage_read_fallbacks_total",
		Help: "Reads answered from the in-memory tiers instead of the primary.",
	}, []string{"query"})

	threatAppends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracel_threatlog_appends_total",
		Help: "Threat records handed to the threat log writer.",
	})

	threatAppendDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracel_threatlog_dropped_appends_total",
		Help: "Threat records dropped because the writer queue was full.",
	})

	threatMalformedLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracel_threatlog_malformed_lines_total",
		Help: "Unparseable lines skipped while loading the threat log.",
	})

	ringSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tracel_memring_packets",
		Help: "Packets currently held in the memory ring, per owner.",
	}, []string{"owner"})
)
