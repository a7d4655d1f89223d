package attention

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// forwardDuration tracks time spent in one attention call per cache path
	forwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fastseq_attention_forward_duration_seconds",
		Help:    "Time spent in a single attention forward call",
		Buckets: []float64{0.00001, 0.000025, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05},
	}, []string{"variant", "path"})

	cacheBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fastseq_attention_cache_bytes",
		Help:    "Size of the key/value cache returned by an attention call",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
	}, []string{"variant", "path"})

	shapeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fastseq_attention_shape_errors_total",
		Help: "Total number of attention calls rejected by a shape check",
	}, []string{"variant"})
)
