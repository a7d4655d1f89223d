package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fastseq_cpu_pool_hits_total",
		Help: "Total number of successful scratch tensor pool retrievals",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fastseq_cpu_pool_misses_total",
		Help: "Total number of scratch tensor pool misses (allocations)",
	})
)
