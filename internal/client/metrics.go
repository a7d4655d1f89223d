package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fastseq_flight_circuit_state",
		Help: "State of the Flight export circuit breaker (0 closed, 1 open, 2 half-open)",
	})

	recordsExported = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fastseq_flight_rows_exported_total",
		Help: "Total number of benchmark rows sent over Arrow Flight",
	}, []string{"dataset"})
)
