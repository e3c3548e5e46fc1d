// Package metrics holds the Prometheus collectors shared by the service, RPC and benchmark code.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nitamono",
	Subsystem: "rpc",
	Name:      "requests_total",
}, []string{"route", "status"})

var Operations = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nitamono",
	Subsystem: "service",
	Name:      "operations_total",
}, []string{"op", "result"})

var OperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "nitamono",
	Subsystem: "service",
	Name:      "operation_duration_seconds",
	Buckets:   prometheus.DefBuckets,
}, []string{"op"})

var Resets = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "nitamono",
	Subsystem: "service",
	Name:      "resets_total",
})

var Generation = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "nitamono",
	Subsystem: "service",
	Name:      "generation",
})

var BenchQPS = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "nitamono",
	Subsystem: "bench",
	Name:      "queries_per_second",
})

var BenchProcessed = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "nitamono",
	Subsystem: "bench",
	Name:      "processed_total",
})

// All lists every collector of the package.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		Requests, Operations, OperationDuration, Resets, Generation, BenchQPS, BenchProcessed,
	}
}

// Register adds every collector to reg. Collectors already registered are skipped.
func Register(reg prometheus.Registerer) error {
	for _, c := range All() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
