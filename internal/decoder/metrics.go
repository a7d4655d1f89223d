package decoder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fastseq_decoder_step_duration_seconds",
		Help:    "Time spent running one decode step through the whole stack",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	}, []string{"variant"})

	sessionCacheBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fastseq_decoder_cache_bytes",
		Help: "Key/value cache footprint of the most recent decode step",
	}, []string{"variant"})

	reorderRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fastseq_decoder_reorder_rejected_total",
		Help: "Total number of cache reorders rejected for crossing a beam group",
	}, []string{"variant"})
)
