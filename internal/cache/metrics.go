package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	weightCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fastseq_weight_cache_hits_total",
		Help: "Total number of benchmark runs served from cached weights",
	})
	weightCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fastseq_weight_cache_misses_total",
		Help: "Total number of benchmark runs that initialized new weights",
	})
)
