package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// initAdminMetrics covers the admin HTTP endpoint and segment ingest.
func (r *Registry) initAdminMetrics() {
	labels := []string{"method", "path", "status"}
	r.HTTPRequestsTotal = promauto.With(r.registry).NewCounterVec(prometheus.CounterOpts{
		Name: "segrep_http_requests_total",
		Help: "Requests served by the admin endpoint",
	}, labels)
	r.HTTPRequestDuration = promauto.With(r.registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "segrep_http_request_duration_seconds",
		Help:    "Admin request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, labels)
	r.IngestedBytesTotal = promauto.With(r.registry).NewCounterVec(prometheus.CounterOpts{
		Name: "segrep_ingested_bytes_total",
		Help: "Segment bytes written to local primaries",
	}, []string{"shard"})
}

// initRuntimeMetrics registers gauges evaluated at scrape time.
func (r *Registry) initRuntimeMetrics(start time.Time) {
	promauto.With(r.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "segrep_uptime_seconds",
		Help: "Time since the registry was created in seconds",
	}, func() float64 { return time.Since(start).Seconds() })

	promauto.With(r.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "segrep_goroutines",
		Help: "Number of goroutines",
	}, func() float64 { return float64(runtime.NumGoroutine()) })

	promauto.With(r.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "segrep_memory_alloc_bytes",
		Help: "Bytes of allocated heap objects",
	}, func() float64 {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		return float64(m.Alloc)
	})
}
